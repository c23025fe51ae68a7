package database

import "errors"

//The registry surfaces failures as typed sentinel errors so that callers can act on
//the kind of failure with errors.Is instead of parsing driver specific messages.
var (
	//ErrDeviceExists is returned by CreateDevice when the IEEE address is already registered
	ErrDeviceExists = errors.New("device registry: ieee address already registered")

	//ErrNameTaken is returned when a friendly name is already held by another record, retired or not
	ErrNameTaken = errors.New("device registry: friendly name already in use")

	//ErrInvalidNetworkAddress is returned when a network address falls outside the 16 bit range
	ErrInvalidNetworkAddress = errors.New("device registry: network address out of range")

	//ErrInvalidDevice is returned when a supplied attribute violates the durable schema
	ErrInvalidDevice = errors.New("device registry: invalid device attributes")

	//ErrDeviceNotFound is returned when no record matches the given identifier
	ErrDeviceNotFound = errors.New("device registry: device not found")

	//ErrDeviceRetired is returned when a mutation targets a record in its terminal state
	ErrDeviceRetired = errors.New("device registry: device is retired")

	//ErrAlreadyRetired is returned when RetireDevice targets an already retired record
	ErrAlreadyRetired = errors.New("device registry: device already retired")

	//ErrStorageUnavailable is returned when the durable store is unreachable or a
	//transaction aborts. The operation left no partial state behind and may be retried.
	ErrStorageUnavailable = errors.New("device registry: storage unavailable")
)
