// Package config loads the daemon configuration (a JSON file) and the
// deployment descriptor (a YAML file naming program addresses, the task
// queue and the genesis wallets).
package config
