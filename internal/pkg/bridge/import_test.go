package bridge

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/logging"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/database"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/models"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

const bridgeDeviceList = `[
	{
		"ieee_address": "0x00124b001ca13000",
		"type": "Coordinator",
		"friendly_name": "Coordinator",
		"network_address": 0
	},
	{
		"ieee_address": "0xd44867fffed60815",
		"type": "Router",
		"friendly_name": "exterior_porta",
		"network_address": 34567,
		"manufacturer": "IKEA",
		"model": "LED1836G9",
		"software_build_id": "2.3.086",
		"date_code": "20190311"
	},
	{
		"ieee_address": "0xa4c1388ae37c8a71",
		"type": "EndDevice",
		"friendly_name": "endoll_aeri_exterior",
		"network_address": 12,
		"definition": {
			"model": "TS011F",
			"vendor": "TuYa"
		}
	},
	{
		"friendly_name": "incomplete-entry"
	}
]`

func TestThatSyncCreatesDevicesFromDescriptors(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		processed, retired, err := SyncDevices(db, decodeDeviceList(t), logging.NewLogger())
		if err != nil {
			t.Error("SyncDevices failed:", err.Error())
		}

		if processed != 2 {
			t.Error("Expected 2 processed devices, got", processed)
		}
		if retired != 0 {
			t.Error("Expected no retired devices, got", retired)
		}

		device, err := db.GetDeviceByIEEE("0xd44867fffed60815")
		if err != nil {
			t.Error("Imported device not found:", err.Error())
		}
		if device.FriendlyName != "exterior_porta" {
			t.Error("Friendly name mismatch:", device.FriendlyName)
		}
		if device.NetworkAddress == nil || *device.NetworkAddress != 34567 {
			t.Error("Network address was not imported")
		}
		if device.ZigbeeManufacturer == nil || *device.ZigbeeManufacturer != "IKEA" {
			t.Error("Manufacturer was not imported")
		}
		if device.FirmwareVersion == nil || *device.FirmwareVersion != "2.3.086" {
			t.Error("Firmware version was not imported")
		}
		if device.FirmwareBuildDate == nil {
			t.Error("Date code was not parsed into a build date")
		}
	}
}

func TestThatSyncMapsDefinitionFields(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		SyncDevices(db, decodeDeviceList(t), logging.NewLogger())

		device, err := db.GetDeviceByIEEE("0xa4c1388ae37c8a71")
		if err != nil {
			t.Error("Imported device not found:", err.Error())
		}
		if device.ZigbeeModel == nil || *device.ZigbeeModel != "TS011F" {
			t.Error("Definition model was not mapped")
		}
		if device.ZigbeeManufacturer == nil || *device.ZigbeeManufacturer != "TuYa" {
			t.Error("Definition vendor was not mapped")
		}
	}
}

func TestThatSyncSkipsCoordinatorAndIncompleteEntries(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		SyncDevices(db, decodeDeviceList(t), logging.NewLogger())

		count := 0
		db.ListDevices(false, func(device models.Device) error {
			count++
			return nil
		})

		if count != 2 {
			t.Error("Coordinator or incomplete entries leaked into the registry, count:", count)
		}
	}
}

func TestThatSyncUpdatesKnownDevices(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		oldAddress := 4711
		db.CreateDevice("0xd44867fffed60815", "old-name", models.DeviceChanges{NetworkAddress: &oldAddress})

		_, _, err := SyncDevices(db, decodeDeviceList(t), logging.NewLogger())
		if err != nil {
			t.Error("SyncDevices failed:", err.Error())
		}

		device, _ := db.GetDeviceByIEEE("0xd44867fffed60815")
		if device.FriendlyName != "exterior_porta" {
			t.Error("Friendly name was not kept in sync:", device.FriendlyName)
		}
		if device.NetworkAddress == nil || *device.NetworkAddress != 34567 {
			t.Error("Network address was not updated")
		}
	}
}

func TestThatSyncRetiresDevicesMissingFromTheList(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		db.CreateDevice("0x1111111111111111", "unplugged-device", models.DeviceChanges{})

		_, retired, err := SyncDevices(db, decodeDeviceList(t), logging.NewLogger())
		if err != nil {
			t.Error("SyncDevices failed:", err.Error())
		}

		if retired != 1 {
			t.Error("Expected 1 retired device, got", retired)
		}

		device, _ := db.GetDeviceByIEEE("0x1111111111111111")
		if !device.IsRetired() {
			t.Error("Device missing from the list was not retired")
		}
	}
}

func TestThatSyncDoesNotResurrectRetiredDevices(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		db.CreateDevice("0xd44867fffed60815", "exterior_porta", models.DeviceChanges{})
		db.RetireDevice("0xd44867fffed60815")

		_, _, err := SyncDevices(db, decodeDeviceList(t), logging.NewLogger())
		if err != nil {
			t.Error("SyncDevices failed:", err.Error())
		}

		device, _ := db.GetDeviceByIEEE("0xd44867fffed60815")
		if !device.IsRetired() {
			t.Error("A retired device must stay retired")
		}
	}
}

func TestDateCodeParsing(t *testing.T) {
	if _, ok := parseDateCode("20190311"); !ok {
		t.Error("Compact date code was not parsed")
	}
	if _, ok := parseDateCode("2019-03-11"); !ok {
		t.Error("Dashed date code was not parsed")
	}
	if _, ok := parseDateCode("NIK49.00"); ok {
		t.Error("A vendor specific code must not parse as a date")
	}
}

func decodeDeviceList(t *testing.T) []DeviceDescriptor {
	descriptors := []DeviceDescriptor{}
	if err := json.Unmarshal([]byte(bridgeDeviceList), &descriptors); err != nil {
		t.Fatal("Failed to decode test device list:", err.Error())
	}

	return descriptors
}

func newDatabaseForTest(t *testing.T) (database.Datastore, bool) {
	log := logging.NewLogger()
	db, err := database.NewDatabaseConnection(database.NewSQLiteConnector(), log)

	if err != nil {
		t.Error(err.Error())
		return nil, false
	}

	return db, true
}
