package database

import (
	"fmt"
	"os"
	"time"

	"github.com/shopraft/modprov/pkg/keyring"
)

const (
	// Keyring service name for database credentials
	DatabaseKeyringService = "modprov-database"
	DatabasePasswordKey    = "postgres-password"
	ProductionUser         = "modprov"
	DefaultDatabase        = "modprov"
)

// GetProductionPassword retrieves the production database password from the
// keyring. Any service that needs the platform database can use this.
func GetProductionPassword() (string, error) {
	keyringPath := os.Getenv("MODPROV_KEYRING_PATH")
	if keyringPath == "" {
		keyringPath = keyring.GetDefaultKeyringPath()
	}

	masterPassword := keyring.GetMasterPasswordFromEnv()
	km := keyring.NewKeyringManager(keyringPath, masterPassword)

	password, err := km.Get(DatabaseKeyringService, DatabasePasswordKey)
	if err != nil {
		return "", fmt.Errorf("database password not found in keyring - has the node been initialized? Error: %w", err)
	}
	return password, nil
}

// StoreProductionPassword writes the production database password to the
// keyring, replacing any previous value
func StoreProductionPassword(password string) error {
	keyringPath := os.Getenv("MODPROV_KEYRING_PATH")
	if keyringPath == "" {
		keyringPath = keyring.GetDefaultKeyringPath()
	}

	masterPassword := keyring.GetMasterPasswordFromEnv()
	km := keyring.NewKeyringManager(keyringPath, masterPassword)

	return km.Set(DatabaseKeyringService, DatabasePasswordKey, password)
}

// FromProductionConfig creates a PostgreSQL config using keyring credentials
func FromProductionConfig(databaseName string) (PostgreSQLConfig, error) {
	password, err := GetProductionPassword()
	if err != nil {
		return PostgreSQLConfig{}, err
	}

	dbName := databaseName
	if dbName == "" {
		dbName = os.Getenv("MODPROV_DATABASE_NAME")
	}
	if dbName == "" {
		dbName = DefaultDatabase
	}

	return PostgreSQLConfig{
		User:              ProductionUser,
		Password:          password,
		Host:              "localhost",
		Port:              5432,
		Database:          dbName,
		SSLMode:           "disable",
		MaxConnections:    40,
		ConnectionTimeout: 5 * time.Second,
	}, nil
}
