package models

import "time"

// Settings is the durable configuration shared by every component,
// one typed struct validated at load time.
type Settings struct {
	Binary        BinaryIdentity `yaml:"binary" json:"binary"`
	BinaryVersion string         `yaml:"binary_version" json:"binary_version"`
	BinaryAsset   string         `yaml:"binary_asset" json:"binary_asset"`
	BinaryArgs    []string       `yaml:"binary_args,omitempty" json:"binary_args,omitempty"`
	EnvFile       string         `yaml:"env_file,omitempty" json:"env_file,omitempty"`

	ServerPort      int  `yaml:"server_port" json:"server_port"`
	ServeLocal      bool `yaml:"serve_local" json:"serve_local"`
	AutoStartServer bool `yaml:"auto_start_server" json:"auto_start_server"`
	AutoRedirect    bool `yaml:"auto_redirect" json:"auto_redirect"`

	Redirect RedirectSettings `yaml:"redirect" json:"redirect"`

	AutoUpdate   bool   `yaml:"auto_update" json:"auto_update"`
	ExpectedSize int64  `yaml:"expected_size" json:"expected_size"`
	Remote       Remote `yaml:"remote" json:"remote"`
}

// RedirectSettings describes the redirect target application.
type RedirectSettings struct {
	Package          string `yaml:"package" json:"package"`
	Activity         string `yaml:"activity,omitempty" json:"activity,omitempty"`
	DisplayName      string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	CountdownSeconds int    `yaml:"countdown_seconds" json:"countdown_seconds"`
}

// Remote holds the read-only descriptor endpoints.
type Remote struct {
	BinaryReleaseURL string        `yaml:"binary_release_url" json:"binary_release_url"`
	AppReleaseURL    string        `yaml:"app_release_url" json:"app_release_url"`
	ExpectedSizeURL  string        `yaml:"expected_size_url" json:"expected_size_url"`
	ConfigURL        string        `yaml:"config_url" json:"config_url"`
	CheckInterval    time.Duration `yaml:"check_interval" json:"check_interval"`
}

// ExpectedSizeBootstrap is the sentinel expected size written before
// any artifact has ever been staged. Seeing it forces the unconditional
// initial download.
const ExpectedSizeBootstrap int64 = 69

// WebTargetPackage is the reserved redirect package name that routes to
// the built-in web player instead of an installed application.
const WebTargetPackage = "webtv"
