package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/logging"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	CreateDevice(ieeeAddress, friendlyName string, fields models.DeviceChanges) (*models.Device, error)
	UpdateDevice(ieeeAddress string, fields models.DeviceChanges) (*models.Device, error)
	RetireDevice(ieeeAddress string) (*models.Device, error)
	GetDeviceByIEEE(ieeeAddress string) (*models.Device, error)
	GetDeviceByFriendlyName(friendlyName string) (*models.Device, error)
	ListDevices(activeOnly bool, callback func(device models.Device) error) error
}

var dbCtxKey = &databaseContextKey{"database"}

type databaseContextKey struct {
	name string
}

// Middleware packs a pointer to the datastore into context
func Middleware(db Datastore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), dbCtxKey, db)

			// and call the next with our new context
			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}

//GetFromContext extracts the database wrapper, if any, from the provided context
func GetFromContext(ctx context.Context) (Datastore, error) {
	db, ok := ctx.Value(dbCtxKey).(Datastore)
	if ok {
		return db, nil
	}

	return nil, errors.New("failed to decode database from context")
}

//Column widths from the durable schema. Enforced here as well so that every backend
//rejects oversized values identically instead of relying on driver behaviour.
const (
	maxIEEEAddressLength        = 24
	maxFriendlyNameLength       = 120
	maxFirmwareVersionLength    = 60
	maxDeviceTypeLength         = 60
	maxZigbeeModelLength        = 120
	maxZigbeeManufacturerLength = 120
)

const maxNetworkAddress = 65535

type myDB struct {
	impl *gorm.DB
	log  logging.Logger

	//Serializes mutating transactions within this process. The transaction plus the
	//table constraints remain the backstop against writers in other processes.
	mu sync.Mutex
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database
func NewPostgreSQLConnector(log logging.Logger) ConnectorFunc {
	dbHost := os.Getenv("DEVREG_DB_HOST")
	username := os.Getenv("DEVREG_DB_USER")
	dbName := os.Getenv("DEVREG_DB_NAME")
	password := os.Getenv("DEVREG_DB_PASSWORD")
	sslMode := getEnv("DEVREG_DB_SSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return func() (*gorm.DB, error) {
		for {
			log.Infof("Connecting to database host %s ...\n", dbHost)
			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{})
			if err != nil {
				log.Fatalf("Failed to connect to database %s\n", err)
				time.Sleep(3 * time.Second)
			} else {
				return db, nil
			}
		}
	}
}

var sqliteDatabaseCount uint64

//NewSQLiteConnector opens a connection to a local in-memory sqlite database. Each
//connector gets a database of its own so that tests stay isolated from each other.
func NewSQLiteConnector() ConnectorFunc {
	sequenceNumber := atomic.AddUint64(&sqliteDatabaseCount, 1)
	dataSourceName := fmt.Sprintf("file:devreg%d?mode=memory&cache=shared", sequenceNumber)

	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open(dataSourceName), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
		log:  log,
	}

	err = db.impl.AutoMigrate(&models.Device{})
	if err != nil {
		log.Errorf("Failed to migrate device table: %s", err.Error())
		return nil, storageError(err)
	}

	return db, nil
}

//CreateDevice registers a previously unseen device under its IEEE address. All optional
//attributes may be unknown at creation time and filled in later via UpdateDevice.
func (db *myDB) CreateDevice(ieeeAddress, friendlyName string, fields models.DeviceChanges) (*models.Device, error) {
	device := &models.Device{
		IEEEAddress:  ieeeAddress,
		FriendlyName: friendlyName,
	}

	//The friendly name comes from the dedicated argument, never from the changeset
	fields.FriendlyName = nil
	applyChanges(device, fields)

	if err := validateDevice(device); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.impl.Transaction(func(tx *gorm.DB) error {
		var count int64

		if err := tx.Model(&models.Device{}).Where("ieee_address = ?", ieeeAddress).Count(&count).Error; err != nil {
			return storageError(err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDeviceExists, ieeeAddress)
		}

		//The uniqueness check spans retired records as well: a name is never handed out twice
		if err := tx.Model(&models.Device{}).Where("friendly_name = ?", friendlyName).Count(&count).Error; err != nil {
			return storageError(err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %q", ErrNameTaken, friendlyName)
		}

		if err := tx.Create(device).Error; err != nil {
			return translateConstraintError(err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return device, nil
}

//UpdateDevice applies a partial update to an active device. Fields that are nil in the
//changeset retain their stored values. The IEEE address and creation timestamp are
//never mutable.
func (db *myDB) UpdateDevice(ieeeAddress string, fields models.DeviceChanges) (*models.Device, error) {
	device := &models.Device{}

	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.impl.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("ieee_address = ?", ieeeAddress).First(device)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, ieeeAddress)
		}
		if result.Error != nil {
			return storageError(result.Error)
		}

		if device.IsRetired() {
			return fmt.Errorf("%w: %s", ErrDeviceRetired, ieeeAddress)
		}

		if fields.FriendlyName != nil && *fields.FriendlyName != device.FriendlyName {
			var count int64
			if err := tx.Model(&models.Device{}).Where("friendly_name = ? AND ieee_address <> ?", *fields.FriendlyName, ieeeAddress).Count(&count).Error; err != nil {
				return storageError(err)
			}
			if count > 0 {
				return fmt.Errorf("%w: %q", ErrNameTaken, *fields.FriendlyName)
			}
		}

		applyChanges(device, fields)

		if err := validateDevice(device); err != nil {
			return err
		}

		if err := tx.Save(device).Error; err != nil {
			return translateConstraintError(err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return device, nil
}

//RetireDevice moves a device into its terminal state. The record is kept for
//historical purposes and no field of it may change afterwards.
func (db *myDB) RetireDevice(ieeeAddress string) (*models.Device, error) {
	device := &models.Device{}

	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.impl.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("ieee_address = ?", ieeeAddress).First(device)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, ieeeAddress)
		}
		if result.Error != nil {
			return storageError(result.Error)
		}

		if device.IsRetired() {
			return fmt.Errorf("%w: %s", ErrAlreadyRetired, ieeeAddress)
		}

		retiredAt := time.Now().UTC()
		if err := tx.Model(device).Update("retired_at", retiredAt).Error; err != nil {
			return storageError(err)
		}

		device.RetiredAt = &retiredAt
		return nil
	})

	if err != nil {
		return nil, err
	}

	return device, nil
}

//GetDeviceByIEEE returns the device registered under the given IEEE address
func (db *myDB) GetDeviceByIEEE(ieeeAddress string) (*models.Device, error) {
	return db.getDevice("ieee_address = ?", ieeeAddress)
}

//GetDeviceByFriendlyName returns the device holding the given friendly name
func (db *myDB) GetDeviceByFriendlyName(friendlyName string) (*models.Device, error) {
	return db.getDevice("friendly_name = ?", friendlyName)
}

func (db *myDB) getDevice(query, argument string) (*models.Device, error) {
	device := &models.Device{}

	result := db.impl.Where(query, argument).First(device)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, argument)
	}
	if result.Error != nil {
		return nil, storageError(result.Error)
	}

	return device, nil
}

//ListDevices streams all devices ordered by creation time to the provided callback.
//Iteration stops at the first callback error, which is returned as is. Every call opens
//a fresh query, so re-invocation yields a new consistent snapshot.
func (db *myDB) ListDevices(activeOnly bool, callback func(device models.Device) error) error {
	query := db.impl.Model(&models.Device{}).Order("created_at asc").Order("ieee_address asc")
	if activeOnly {
		query = query.Where("retired_at IS NULL")
	}

	rows, err := query.Rows()
	if err != nil {
		return storageError(err)
	}
	defer rows.Close()

	for rows.Next() {
		device := models.Device{}
		if err := db.impl.ScanRows(rows, &device); err != nil {
			return storageError(err)
		}

		if err := callback(device); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return storageError(err)
	}

	return nil
}

func applyChanges(device *models.Device, fields models.DeviceChanges) {
	if fields.FriendlyName != nil {
		device.FriendlyName = *fields.FriendlyName
	}
	if fields.NetworkAddress != nil {
		device.NetworkAddress = fields.NetworkAddress
	}
	if fields.FirmwareBuildDate != nil {
		device.FirmwareBuildDate = fields.FirmwareBuildDate
	}
	if fields.FirmwareVersion != nil {
		device.FirmwareVersion = fields.FirmwareVersion
	}
	if fields.DeviceType != nil {
		device.DeviceType = fields.DeviceType
	}
	if fields.ZigbeeModel != nil {
		device.ZigbeeModel = fields.ZigbeeModel
	}
	if fields.ZigbeeManufacturer != nil {
		device.ZigbeeManufacturer = fields.ZigbeeManufacturer
	}
}

func validateDevice(device *models.Device) error {
	if device.IEEEAddress == "" || len(device.IEEEAddress) > maxIEEEAddressLength {
		return fmt.Errorf("%w: ieee address must be 1-%d characters", ErrInvalidDevice, maxIEEEAddressLength)
	}
	if device.FriendlyName == "" || len(device.FriendlyName) > maxFriendlyNameLength {
		return fmt.Errorf("%w: friendly name must be 1-%d characters", ErrInvalidDevice, maxFriendlyNameLength)
	}
	if device.NetworkAddress != nil && (*device.NetworkAddress < 0 || *device.NetworkAddress > maxNetworkAddress) {
		return fmt.Errorf("%w: %d", ErrInvalidNetworkAddress, *device.NetworkAddress)
	}
	if device.FirmwareVersion != nil && len(*device.FirmwareVersion) > maxFirmwareVersionLength {
		return fmt.Errorf("%w: firmware version exceeds %d characters", ErrInvalidDevice, maxFirmwareVersionLength)
	}
	if device.DeviceType != nil && len(*device.DeviceType) > maxDeviceTypeLength {
		return fmt.Errorf("%w: device type exceeds %d characters", ErrInvalidDevice, maxDeviceTypeLength)
	}
	if device.ZigbeeModel != nil && len(*device.ZigbeeModel) > maxZigbeeModelLength {
		return fmt.Errorf("%w: zigbee model exceeds %d characters", ErrInvalidDevice, maxZigbeeModelLength)
	}
	if device.ZigbeeManufacturer != nil && len(*device.ZigbeeManufacturer) > maxZigbeeManufacturerLength {
		return fmt.Errorf("%w: zigbee manufacturer exceeds %d characters", ErrInvalidDevice, maxZigbeeManufacturerLength)
	}

	return nil
}

//translateConstraintError maps storage level constraint violations onto the typed error
//taxonomy, so that racing writers in other processes surface the same error kinds as
//the in-transaction checks.
func translateConstraintError(err error) error {
	message := err.Error()

	if strings.Contains(message, "friendly_name") {
		return fmt.Errorf("%w: %s", ErrNameTaken, message)
	}
	if strings.Contains(message, "ieee_address") {
		return fmt.Errorf("%w: %s", ErrDeviceExists, message)
	}
	if strings.Contains(message, "network_address") {
		return fmt.Errorf("%w: %s", ErrInvalidNetworkAddress, message)
	}

	return storageError(err)
}

func storageError(err error) error {
	return fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
}
