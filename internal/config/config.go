// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config holds the configuration shared by the rbd client, the
// backends and the command line tool. Cfg is the process wide copy filled by
// Configure; library callers can use Load to get their own copy.
package config

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultPath = "/etc/bs3rbd/config.toml"

	mib = 1024 * 1024
	gib = 1024 * mib
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
//
// Sizes are given in the units named in the descriptions and converted to
// bytes by Load.
type Config struct {
	ConfigPath string `toml:"-"`

	Backend   string `toml:"backend" env:"BS3RBD_BACKEND" env-default:"s3" env-description:"Storage engine behind the image. One of s3, memory, null."`
	Size      int64  `toml:"size" env:"BS3RBD_SIZE" env-default:"1" env-description:"Image size in GB."`
	BlockSize int    `toml:"block_size" env:"BS3RBD_BLOCKSIZE" env-default:"4096" env-description:"Engine block size. Either 512 or 4096."`

	Rbd struct {
		Dispatchers  int   `toml:"dispatchers" env:"BS3RBD_DISPATCHERS" env-default:"4" env-description:"Number of goroutines delivering completions to callbacks."`
		Readers      int   `toml:"readers" env:"BS3RBD_READERS" env-default:"16" env-description:"Number of backend port read workers."`
		Writers      int   `toml:"writers" env:"BS3RBD_WRITERS" env-default:"16" env-description:"Number of backend port write workers."`
		QueueDepth   int   `toml:"queue_depth" env:"BS3RBD_QUEUEDEPTH" env-default:"128" env-description:"Initial capacity of the queue of completion events waiting for a dispatcher."`
		FallbackSize int64 `toml:"fallback_size" env:"BS3RBD_FALLBACKSIZE" env-default:"1" env-description:"Size in GB reported by get_size when the backend cannot be queried."`
	} `toml:"rbd"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"BS3RBD_S3_BUCKET" env-description:"S3 Bucket name. Overridden by the image name on open." env-default:"bs3"`
		Remote      string `toml:"remote" env:"BS3RBD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"BS3RBD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"BS3RBD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"BS3RBD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"BS3RBD_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"BS3RBD_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	Write struct {
		ChunkSize int `toml:"chunk_size" env:"BS3RBD_WRITE_CHUNKSIZE" env-description:"Object size in MB." env-default:"4"`
	} `toml:"write"`

	GC struct {
		Step     int64   `toml:"step" env:"BS3RBD_GC_STEP" env-description:"Step for traversing the extent map for living extents. In blocks." env-default:"1024"`
		LiveData float64 `toml:"live_data" env:"BS3RBD_GC_LIVEDATA" env-description:"Live data ratio threshold for threshold GC." env-default:"0.3"`
		Wait     int64   `toml:"wait" env:"BS3RBD_GC_WAIT" env-description:"Seconds between dead object GC rounds." env-default:"600"`
	} `toml:"gc"`

	Log struct {
		Level  int  `toml:"level" env:"BS3RBD_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"BS3RBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Libvirt struct {
		Socket  string `toml:"socket" env:"BS3RBD_LIBVIRT_SOCKET" env-description:"Libvirt daemon socket used by attach." env-default:"/var/run/libvirt/libvirt-sock"`
		Monitor string `toml:"monitor" env:"BS3RBD_LIBVIRT_MONITOR" env-description:"Monitor host written into generated disk XML." env-default:"localhost"`
	} `toml:"libvirt"`

	SkipCheckpoint bool `toml:"skip_checkpoint" env:"BS3RBD_SKIP" env-description:"Skip restoring from and creating checkpoint." env-default:"false"`
	Profiler       bool `toml:"profiler" env:"BS3RBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort   int  `toml:"profiler_port" env:"BS3RBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure loads the configuration from path and the environment into Cfg.
// The configuration file has the lower priority and the environment variables
// have the highest priority. It is perfectly fine to use just one of these or
// to combine them.
func Configure(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}

	Cfg = cfg

	return nil
}

// Load reads the configuration file at path and the environment. A missing
// file is not an error, the environment and defaults are used instead.
// Returned sizes are in bytes.
func Load(path string) (Config, error) {
	var c Config

	if err := cleanenv.ReadConfig(path, &c); err != nil {
		if err := cleanenv.ReadEnv(&c); err != nil {
			return c, err
		}
	}

	c.ConfigPath = path
	c.normalize()

	return c, nil
}

// Default returns configuration built from defaults and environment only.
func Default() (Config, error) {
	return Load("")
}

// Dump writes c in the toml format accepted by Load. Sizes are converted back
// to the configuration units.
func (c Config) Dump(w io.Writer) error {
	c.Size /= gib
	c.Rbd.FallbackSize /= gib
	c.Write.ChunkSize /= mib

	return toml.NewEncoder(w).Encode(c)
}

func (c *Config) normalize() {
	c.Size *= gib
	c.Rbd.FallbackSize *= gib
	c.Write.ChunkSize *= mib

	if c.BlockSize != 512 {
		c.BlockSize = 4096
	}

	if c.Rbd.Dispatchers < 1 {
		c.Rbd.Dispatchers = 1
	}
	if c.Rbd.Readers < 1 {
		c.Rbd.Readers = 1
	}
	if c.Rbd.Writers < 1 {
		c.Rbd.Writers = 1
	}
}

// Describe returns the list of environment variables understood by Load
// together with their descriptions and defaults.
func Describe() (string, error) {
	var c Config
	return cleanenv.GetDescription(&c, nil)
}
