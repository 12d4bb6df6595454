// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package keychain stores the camera-service credential in the system
// keychain (macOS Keychain, Linux Secret Service, Windows Credential
// Manager).
package keychain

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const (
	service       = "camwire"
	credentialKey = "credential"
)

// ErrNotFound is returned when no credential is stored.
var ErrNotFound = errors.New("keychain: credential not found")

// Credential returns the stored credential.
func Credential() (string, error) {
	value, err := keyring.Get(service, credentialKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// Store saves the credential, replacing any previous one.
func Store(credential string) error {
	return keyring.Set(service, credentialKey, credential)
}

// Delete removes the stored credential. Deleting a missing credential is
// not an error.
func Delete() error {
	err := keyring.Delete(service, credentialKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
