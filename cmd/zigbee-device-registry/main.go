package main

import (
	"os"
	"strconv"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/joho/godotenv"

	"github.com/sihoa/zigbee-device-registry/internal/pkg/application"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/bridge"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/logging"
	"github.com/sihoa/zigbee-device-registry/internal/pkg/infrastructure/repositories/database"
)

func main() {

	serviceName := "zigbee-device-registry"

	godotenv.Load()

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	config := messaging.LoadConfiguration(serviceName)
	messenger, _ := messaging.Initialize(config)

	defer messenger.Close()

	db, err := database.NewDatabaseConnection(database.NewPostgreSQLConnector(log), log)
	if err != nil {
		log.Fatalf("Failed to set up the device registry: %s", err.Error())
	}

	// A one-shot sync with the Zigbee2MQTT bridge on startup, when a broker is configured
	if host := os.Getenv("DEVREG_MQTT_HOST"); host != "" {
		importDeviceList(host, db, log)
	}

	application.CreateRouterAndStartServing(log, messenger, db)
}

func importDeviceList(host string, db database.Datastore, log logging.Logger) {
	port, err := strconv.Atoi(getEnv("DEVREG_MQTT_PORT", "1883"))
	if err != nil {
		log.Errorf("Invalid DEVREG_MQTT_PORT: %s", err.Error())
		return
	}

	config := bridge.Config{
		Host:     host,
		Port:     port,
		Username: os.Getenv("DEVREG_MQTT_USER"),
		Password: os.Getenv("DEVREG_MQTT_PASSWORD"),
		Topic:    getEnv("DEVREG_MQTT_TOPIC", "zigbee_network/bridge/devices"),
		Timeout:  5 * time.Second,
	}

	processed, retired, err := bridge.ImportDevices(config, db, log)
	if err != nil {
		log.Errorf("Device import failed: %s", err.Error())
		return
	}

	log.Infof("Imported %d devices from the bridge, retired %d", processed, retired)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
