// Package config handles loading and validating the bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// A YAML file is optional. A container deployment can be configured entirely
// through the environment:
//
//	ZWAY_HOST=192.168.1.20 ZWAY_USERNAME=admin ZWAY_PASSWORD=... \
//	MQTT_HOST=mqtt://broker:1883 MQTT_PATH=zwave zwaybridge
//
// Security Considerations:
//   - Passwords and tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - Use Config.Redacted before logging a configuration
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.ZWay.Host)
package config
