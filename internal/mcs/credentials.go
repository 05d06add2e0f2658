package mcs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Credentials are issued by the device-registration service and identify
// this peer to the relay.
type Credentials struct {
	AndroidID     uint64 `json:"android_id"`
	SecurityToken uint64 `json:"security_token"`
	PushToken     string `json:"fcm_token"`
}

// LoadCredentials reads credentials persisted by the registration step.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.AndroidID == 0 || creds.SecurityToken == 0 {
		return creds, errors.New("credentials missing android_id or security_token")
	}
	return creds, nil
}
