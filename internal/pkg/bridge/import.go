package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/logging"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/database"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/models"
)

//ErrNoRetainedDeviceList is returned when the broker does not deliver the retained
//device list within the configured timeout
var ErrNoRetainedDeviceList = errors.New("bridge: no retained device list received")

//ErrBrokerUnreachable is returned when the MQTT broker can not be reached
var ErrBrokerUnreachable = errors.New("bridge: broker unreachable")

const defaultTimeout = 5 * time.Second

//Config holds the connection parameters for the Zigbee2MQTT broker
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	//Topic is the retained devices topic, <base_topic>/bridge/devices
	Topic   string
	Timeout time.Duration
}

//DeviceDescriptor mirrors one entry of the retained document that Zigbee2MQTT
//publishes on <base_topic>/bridge/devices
type DeviceDescriptor struct {
	IEEEAddress     string `json:"ieee_address"`
	FriendlyName    string `json:"friendly_name"`
	NetworkAddress  *int   `json:"network_address"`
	Type            string `json:"type"`
	Model           string `json:"model"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareBuildID string `json:"software_build_id"`
	DateCode        string `json:"date_code"`
	Definition      *struct {
		Model  string `json:"model"`
		Vendor string `json:"vendor"`
	} `json:"definition"`
}

//ImportDevices reads the retained device list from the broker and syncs the registry with it
func ImportDevices(config Config, db database.Datastore, log logging.Logger) (int, int, error) {
	descriptors, err := ReadDeviceList(config, log)
	if err != nil {
		return 0, 0, err
	}

	return SyncDevices(db, descriptors, log)
}

//ReadDeviceList connects to the MQTT broker and waits for the retained device list on
//the configured topic. Zigbee2MQTT publishes the list with the retain flag set, so a
//single subscription should deliver it immediately.
func ReadDeviceList(config Config, log logging.Logger) ([]DeviceDescriptor, error) {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	options := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", config.Host, config.Port)).
		SetClientID("zigbee-device-registry-import")

	if config.Username != "" {
		options.SetUsername(config.Username)
		options.SetPassword(config.Password)
	}

	client := mqtt.NewClient(options)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: %s", ErrBrokerUnreachable, token.Error().Error())
	}
	defer client.Disconnect(250)

	received := make(chan []DeviceDescriptor, 1)

	token := client.Subscribe(config.Topic, 0, func(_ mqtt.Client, message mqtt.Message) {
		descriptors := []DeviceDescriptor{}
		if err := json.Unmarshal(message.Payload(), &descriptors); err != nil {
			log.Errorf("Failed to decode device list from %s: %s", message.Topic(), err.Error())
			return
		}

		select {
		case received <- descriptors:
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: %s", ErrBrokerUnreachable, token.Error().Error())
	}

	log.Infof("Waiting for retained device list on %s ...", config.Topic)

	select {
	case descriptors := <-received:
		return descriptors, nil
	case <-time.After(timeout):
		return nil, ErrNoRetainedDeviceList
	}
}

//SyncDevices brings the registry in line with the given descriptor list. Unknown
//devices are created, known active devices are updated, and active devices that are
//missing from the list are retired. Retirement is terminal, so descriptors for retired
//devices are skipped instead of resurrecting the record. Returns the number of
//descriptors processed and the number of devices retired.
func SyncDevices(db database.Datastore, descriptors []DeviceDescriptor, log logging.Logger) (int, int, error) {
	processed := 0
	active := map[string]bool{}

	for _, descriptor := range descriptors {
		// The coordinator itself appears in the list but is not a registered device
		if descriptor.Type == "Coordinator" {
			continue
		}

		if descriptor.IEEEAddress == "" || descriptor.FriendlyName == "" {
			log.Warnf("Skipping descriptor without identity: %+v", descriptor)
			continue
		}

		active[descriptor.IEEEAddress] = true
		fields := descriptor.changes()

		existing, err := db.GetDeviceByIEEE(descriptor.IEEEAddress)
		if errors.Is(err, database.ErrDeviceNotFound) {
			fields.FriendlyName = nil
			if _, err := db.CreateDevice(descriptor.IEEEAddress, descriptor.FriendlyName, fields); err != nil {
				return processed, 0, err
			}
			processed++
			continue
		}
		if err != nil {
			return processed, 0, err
		}

		if existing.IsRetired() {
			log.Warnf("Skipping descriptor for retired device %s", descriptor.IEEEAddress)
			continue
		}

		if _, err := db.UpdateDevice(descriptor.IEEEAddress, fields); err != nil {
			return processed, 0, err
		}
		processed++
	}

	missing := []string{}
	err := db.ListDevices(true, func(device models.Device) error {
		if !active[device.IEEEAddress] {
			missing = append(missing, device.IEEEAddress)
		}
		return nil
	})
	if err != nil {
		return processed, 0, err
	}

	retired := 0
	for _, ieeeAddress := range missing {
		if _, err := db.RetireDevice(ieeeAddress); err != nil {
			if errors.Is(err, database.ErrAlreadyRetired) {
				continue
			}
			return processed, retired, err
		}
		log.Infof("Retired device %s, no longer present in the bridge device list", ieeeAddress)
		retired++
	}

	return processed, retired, nil
}

//changes maps the descriptor vocabulary onto the registry changeset. Empty descriptor
//fields leave the stored values untouched.
func (d DeviceDescriptor) changes() models.DeviceChanges {
	fields := models.DeviceChanges{
		FriendlyName:   &d.FriendlyName,
		NetworkAddress: d.NetworkAddress,
	}

	if d.Type != "" {
		fields.DeviceType = &d.Type
	}
	if d.SoftwareBuildID != "" {
		fields.FirmwareVersion = &d.SoftwareBuildID
	}

	model := d.Model
	vendor := d.Manufacturer
	if d.Definition != nil {
		if model == "" {
			model = d.Definition.Model
		}
		if vendor == "" {
			vendor = d.Definition.Vendor
		}
	}

	if model != "" {
		fields.ZigbeeModel = &model
	}
	if vendor != "" {
		fields.ZigbeeManufacturer = &vendor
	}

	if buildDate, ok := parseDateCode(d.DateCode); ok {
		fields.FirmwareBuildDate = &buildDate
	}

	return fields
}

//parseDateCode parses the date_code attribute that devices report. Vendors use a
//handful of layouts, the rest is left alone.
func parseDateCode(dateCode string) (time.Time, bool) {
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if parsed, err := time.Parse(layout, dateCode); err == nil {
			return parsed, true
		}
	}

	return time.Time{}, false
}
