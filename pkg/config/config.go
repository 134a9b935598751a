/*
Copyright 2016 Mirantis

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads opsipxeconfd's INI-like configuration file.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the typed view of the configuration file (spec §6).
type Config struct {
	BackendConfigDir    string `mapstructure:"backend config dir"`
	DispatchConfigFile  string `mapstructure:"dispatch config file"`
	PidFile             string `mapstructure:"pid file"`
	LogFile             string `mapstructure:"log file"`
	LogFormat           string `mapstructure:"log format"`
	LogLevel            int    `mapstructure:"log level"`
	PxeConfigDir        string `mapstructure:"pxe config dir"`
	PxeConfigTemplate   string `mapstructure:"pxe config template"`
	UefiTemplateX86     string `mapstructure:"uefi netboot config template x86"`
	UefiTemplateX64     string `mapstructure:"uefi netboot config template x64"`
	MaxControlConns     int    `mapstructure:"max control connections"`
	MaxPxeConfigWriters int    `mapstructure:"max pxe config writers"`
}

// Defaults mirrors the stock opsi package defaults, used for any key the
// file omits.
func Defaults() Config {
	return Config{
		BackendConfigDir:    "/etc/opsi/backends",
		DispatchConfigFile:  "/etc/opsi/backendManager/dispatch.conf",
		PidFile:             "/var/run/opsipxeconfd/opsipxeconfd.pid",
		LogFile:             "/var/log/opsi/opsipxeconfd/opsipxeconfd.log",
		LogFormat:           "[%l] [%D] %M (%F|%N)",
		LogLevel:            5,
		PxeConfigDir:        "/tftpboot/linux/pxelinux.cfg",
		PxeConfigTemplate:   "/tftpboot/linux/pxelinux.cfg.template",
		UefiTemplateX86:     "/tftpboot/grub/grub.cfg.uefi.template.x86",
		UefiTemplateX64:     "/tftpboot/grub/grub.cfg.uefi.template.x64",
		MaxControlConns:     5,
		MaxPxeConfigWriters: 100,
	}
}

// Load reads the INI-like file at path over Defaults(), using viper's ini
// codec (backed by gopkg.in/ini.v1).
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}
