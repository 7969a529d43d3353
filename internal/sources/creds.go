// Copyright (C) 2025 Yelp, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package sources

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DuoCredentials is the content of the Duo Admin API credentials file.
type DuoCredentials struct {
	IntegrationKey string `yaml:"integration_key"`
	SecretKey      string `yaml:"secret_key"`
	APIHostname    string `yaml:"api_hostname"`
}

// ReadDuoCredentials loads and validates a Duo credentials file.
func ReadDuoCredentials(path string) (DuoCredentials, error) {
	var creds DuoCredentials
	if err := readCredentialFile(path, &creds); err != nil {
		return DuoCredentials{}, err
	}
	if creds.IntegrationKey == "" || creds.SecretKey == "" || creds.APIHostname == "" {
		return DuoCredentials{}, fmt.Errorf("credentials file %s must set integration_key, secret_key and api_hostname", path)
	}
	return creds, nil
}

// OneLoginCredentials is the content of the OneLogin credentials file.
type OneLoginCredentials struct {
	APIKey string `yaml:"api_key"`
}

// ReadOneLoginCredentials loads and validates a OneLogin credentials
// file.
func ReadOneLoginCredentials(path string) (OneLoginCredentials, error) {
	var creds OneLoginCredentials
	if err := readCredentialFile(path, &creds); err != nil {
		return OneLoginCredentials{}, err
	}
	if creds.APIKey == "" {
		return OneLoginCredentials{}, fmt.Errorf("credentials file %s must set api_key", path)
	}
	return creds, nil
}

func readCredentialFile(path string, out any) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to unmarshal credentials from file %s: %w", path, err)
	}
	return nil
}
