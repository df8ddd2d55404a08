package config

import (
	"errors"
	"fmt"
	"os"

	"palaver/internal/models"

	"gopkg.in/yaml.v3"
)

// Account is one network login from the accounts file.
type Account struct {
	Protocol     string   `yaml:"protocol"`
	Account      string   `yaml:"account"`
	Password     string   `yaml:"password"`
	Alias        string   `yaml:"alias"`
	Status       string   `yaml:"status"`
	AutoResponse string   `yaml:"autoResponse"`
	Servers      []string `yaml:"servers"`
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts reads the owners to merge into the contact list. A missing
// path means no accounts.
func LoadAccounts(path string) ([]models.Owner, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

func ParseAccounts(data []byte) ([]models.Owner, error) {
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	seen := make(map[models.ProtocolID]bool)
	owners := make([]models.Owner, 0, len(f.Accounts))
	for i, a := range f.Accounts {
		o, err := a.owner()
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i+1, err)
		}
		if seen[o.ID.Protocol] {
			return nil, fmt.Errorf("account %d: second account for %s", i+1, o.ID.Protocol)
		}
		seen[o.ID.Protocol] = true
		owners = append(owners, o)
	}
	return owners, nil
}

func (a Account) owner() (models.Owner, error) {
	p, err := models.ParseProtocol(a.Protocol)
	if err != nil {
		return models.Owner{}, err
	}
	if a.Account == "" {
		return models.Owner{}, errors.New("account is required")
	}
	o := models.Owner{
		User:     models.User{ID: models.UserID{Protocol: p, Account: a.Account}, Alias: a.Alias},
		Password: a.Password,
	}
	o.Settings.AutoResponse = a.AutoResponse
	if a.Status != "" {
		if o.DesiredStatus, err = models.ParseStatus(a.Status); err != nil {
			return models.Owner{}, err
		}
	}
	for _, s := range a.Servers {
		srv, err := models.ParseServer(s)
		if err != nil {
			return models.Owner{}, err
		}
		o.Servers = append(o.Servers, srv)
	}
	return o, nil
}
