package application

import (
	"compress/flate"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/rs/cors"

	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/logging"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/database"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/models"
)

type RequestRouter struct {
	impl *chi.Mux
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Patch accepts a pattern that should be routed to the handlerFn on a PATCH request
func (router *RequestRouter) Patch(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Patch(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

func newRequestRouter(db database.Datastore) *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for json responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)
	router.impl.Use(database.Middleware(db))

	return router
}

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

func createRequestRouter(log logging.Logger, messenger MessagingContext, db database.Datastore) *RequestRouter {
	router := newRequestRouter(db)
	api := &deviceAPI{log: log, messenger: messenger}

	router.Post("/api/v1/devices", api.createDevice)
	router.Get("/api/v1/devices", api.listDevices)
	router.Get("/api/v1/devices/{ieeeAddress}", api.retrieveDevice)
	router.Patch("/api/v1/devices/{ieeeAddress}", api.updateDevice)
	router.Post("/api/v1/devices/{ieeeAddress}/retire", api.retireDevice)

	return router
}

//CreateRouterAndStartServing sets up the registry router and starts serving incoming requests
func CreateRouterAndStartServing(log logging.Logger, messenger MessagingContext, db database.Datastore) {
	router := createRequestRouter(log, messenger, db)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8880"
	}

	log.Infof("Starting zigbee-device-registry on port %s.\n", port)
	log.Fatal(http.ListenAndServe(":"+port, router.impl))
}

type deviceAPI struct {
	log       logging.Logger
	messenger MessagingContext
}

//deviceRequest carries the decoded body of a create or update request. The pointer
//members distinguish omitted fields from zero values for partial updates.
type deviceRequest struct {
	IEEEAddress        string     `json:"ieeeAddress"`
	FriendlyName       *string    `json:"friendlyName"`
	NetworkAddress     *int       `json:"networkAddress"`
	FirmwareBuildDate  *time.Time `json:"firmwareBuildDate"`
	FirmwareVersion    *string    `json:"firmwareVersion"`
	DeviceType         *string    `json:"deviceType"`
	ZigbeeModel        *string    `json:"zigbeeModel"`
	ZigbeeManufacturer *string    `json:"zigbeeManufacturer"`
}

func (r *deviceRequest) changes() models.DeviceChanges {
	return models.DeviceChanges{
		FriendlyName:       r.FriendlyName,
		NetworkAddress:     r.NetworkAddress,
		FirmwareBuildDate:  r.FirmwareBuildDate,
		FirmwareVersion:    r.FirmwareVersion,
		DeviceType:         r.DeviceType,
		ZigbeeModel:        r.ZigbeeModel,
		ZigbeeManufacturer: r.ZigbeeManufacturer,
	}
}

func (api *deviceAPI) createDevice(w http.ResponseWriter, r *http.Request) {
	db, err := database.GetFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	request := &deviceRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if request.IEEEAddress == "" || request.FriendlyName == nil {
		writeError(w, http.StatusBadRequest, errors.New("ieeeAddress and friendlyName are required"))
		return
	}

	fields := request.changes()
	fields.FriendlyName = nil

	device, err := db.CreateDevice(request.IEEEAddress, *request.FriendlyName, fields)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	api.publishLifecycleEvent(device, "created")
	writeJSON(w, http.StatusCreated, device)
}

func (api *deviceAPI) listDevices(w http.ResponseWriter, r *http.Request) {
	db, err := database.GetFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if friendlyName := r.URL.Query().Get("friendlyName"); friendlyName != "" {
		device, err := db.GetDeviceByFriendlyName(friendlyName)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, device)
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"

	devices := []models.Device{}
	err = db.ListDevices(activeOnly, func(device models.Device) error {
		devices = append(devices, device)
		return nil
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, devices)
}

func (api *deviceAPI) retrieveDevice(w http.ResponseWriter, r *http.Request) {
	db, err := database.GetFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	device, err := db.GetDeviceByIEEE(chi.URLParam(r, "ieeeAddress"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}

func (api *deviceAPI) updateDevice(w http.ResponseWriter, r *http.Request) {
	db, err := database.GetFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	request := &deviceRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	device, err := db.UpdateDevice(chi.URLParam(r, "ieeeAddress"), request.changes())
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}

func (api *deviceAPI) retireDevice(w http.ResponseWriter, r *http.Request) {
	db, err := database.GetFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	device, err := db.RetireDevice(chi.URLParam(r, "ieeeAddress"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	api.publishLifecycleEvent(device, "retired")
	writeJSON(w, http.StatusOK, device)
}

//deviceLifecycleEvent is published on the platform broker whenever a device enters or
//leaves the registry, so that pairing and administration tooling can react.
type deviceLifecycleEvent struct {
	IEEEAddress  string    `json:"ieeeAddress"`
	FriendlyName string    `json:"friendlyName"`
	Lifecycle    string    `json:"lifecycle"`
	ObservedAt   time.Time `json:"observedAt"`
}

func (e *deviceLifecycleEvent) TopicName() string {
	return "device.lifecycle"
}

func (e *deviceLifecycleEvent) ContentType() string {
	return "application/json"
}

func (api *deviceAPI) publishLifecycleEvent(device *models.Device, lifecycle string) {
	if api.messenger == nil {
		return
	}

	event := &deviceLifecycleEvent{
		IEEEAddress:  device.IEEEAddress,
		FriendlyName: device.FriendlyName,
		Lifecycle:    lifecycle,
		ObservedAt:   time.Now().UTC(),
	}

	if err := api.messenger.PublishOnTopic(event); err != nil {
		api.log.Errorf("Failed to publish %s event for device %s: %s", lifecycle, device.IEEEAddress, err.Error())
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, database.ErrDeviceExists),
		errors.Is(err, database.ErrNameTaken),
		errors.Is(err, database.ErrAlreadyRetired):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, database.ErrDeviceRetired):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, database.ErrInvalidNetworkAddress),
		errors.Is(err, database.ErrInvalidDevice):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, database.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
