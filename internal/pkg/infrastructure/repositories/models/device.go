package models

import (
	"time"
)

//Device is the database model for one physical Zigbee device known to the coordinator.
//The IEEE address is the permanent identity of the hardware and acts as primary key,
//while the network address is the short address the coordinator has currently assigned
//and may change over the lifetime of the device.
type Device struct {
	IEEEAddress        string     `gorm:"column:ieee_address;type:varchar(24);primaryKey" json:"ieeeAddress"`
	FriendlyName       string     `gorm:"column:friendly_name;type:varchar(120);not null;unique" json:"friendlyName"`
	NetworkAddress     *int       `gorm:"column:network_address;check:network_address IS NULL OR (network_address >= 0 AND network_address <= 65535)" json:"networkAddress,omitempty"`
	FirmwareBuildDate  *time.Time `gorm:"column:firmware_build_date;type:date" json:"firmwareBuildDate,omitempty"`
	FirmwareVersion    *string    `gorm:"column:firmware_version;type:varchar(60)" json:"firmwareVersion,omitempty"`
	DeviceType         *string    `gorm:"column:device_type;type:varchar(60)" json:"deviceType,omitempty"`
	ZigbeeModel        *string    `gorm:"column:zigbee_model;type:varchar(120)" json:"zigbeeModel,omitempty"`
	ZigbeeManufacturer *string    `gorm:"column:zigbee_manufacturer;type:varchar(120)" json:"zigbeeManufacturer,omitempty"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	RetiredAt          *time.Time `gorm:"column:retired_at" json:"retiredAt,omitempty"`
}

//TableName keeps the table name aligned with the original schema
func (Device) TableName() string {
	return "device"
}

//IsRetired reports whether the device has reached its terminal state
func (d *Device) IsRetired() bool {
	return d.RetiredAt != nil
}

//DeviceChanges captures a partial update of the mutable device fields.
//Members that are nil leave the stored value untouched.
type DeviceChanges struct {
	FriendlyName       *string    `json:"friendlyName,omitempty"`
	NetworkAddress     *int       `json:"networkAddress,omitempty"`
	FirmwareBuildDate  *time.Time `json:"firmwareBuildDate,omitempty"`
	FirmwareVersion    *string    `json:"firmwareVersion,omitempty"`
	DeviceType         *string    `json:"deviceType,omitempty"`
	ZigbeeModel        *string    `json:"zigbeeModel,omitempty"`
	ZigbeeManufacturer *string    `json:"zigbeeManufacturer,omitempty"`
}
