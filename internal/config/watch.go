package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-reads the configuration file whenever it changes on disk and
// hands the result to onChange. Invalid edits are reported through err;
// callers keep their previous configuration in that case.
//
// It is a no-op when no config file was found.
func Watch(onChange func(path string, cfg *Config, err error)) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		onChange(e.Name, cfg, err)
	})
	viper.WatchConfig()
}
