package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration. Values come from built-in defaults,
// then an optional YAML file (-conf), then explicitly set command-line flags.
type Config struct {
	Device string `yaml:"device"`
	// Resolution and FPS are requested from the capture device; the device
	// may pick the closest mode it supports.
	Resolution Resolution `yaml:"resolution"`
	FPS        int        `yaml:"fps"`

	// ResizeWidth is the width frames are scaled to before analysis and
	// display. Zero keeps the capture width.
	ResizeWidth int `yaml:"resize_width"`
	// BlurSize is the Gaussian kernel size applied to the grayscale copy.
	// Values <= 1 disable blurring.
	BlurSize int `yaml:"blur_size"`

	Warmup           time.Duration `yaml:"warmup"`
	BackgroundFrames int           `yaml:"background_frames"`

	DeltaThreshold   float64       `yaml:"delta_threshold"`
	MinArea          float64       `yaml:"min_area"`
	MinEventInterval time.Duration `yaml:"min_event_interval"`
	MinMotionFrames  int           `yaml:"min_motion_frames"`
	Alpha            float64       `yaml:"alpha"`

	ShowVideo bool `yaml:"show_video"`

	Listen      string `yaml:"listen"`
	StreamFPS   int    `yaml:"stream_fps"`
	JPEGQuality int    `yaml:"jpeg_quality"`

	SnapshotDir string     `yaml:"snapshot_dir"`
	DBPath      string     `yaml:"db_path"`
	MQTT        MQTTConfig `yaml:"mqtt"`
	OCR         OCRConfig  `yaml:"ocr"`

	LogFormat string `yaml:"log_format"`
	Verbose   bool   `yaml:"verbose"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Resolution is a capture size in pixels.
type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// MQTTConfig configures the MQTT alert notifier. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// OCRConfig configures text recognition inside motion regions.
type OCRConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Language string `yaml:"language"`
}

// defaultConfig returns the configuration used when nothing is overridden.
func defaultConfig() *Config {
	return &Config{
		Device:           "0",
		Resolution:       Resolution{Width: 640, Height: 480},
		FPS:              16,
		ResizeWidth:      500,
		BlurSize:         21,
		Warmup:           2 * time.Second,
		BackgroundFrames: 32,
		DeltaThreshold:   25,
		MinArea:          200,
		MinEventInterval: 3 * time.Second,
		MinMotionFrames:  10,
		Alpha:            0.1,
		Listen:           ":8000",
		StreamFPS:        15,
		JPEGQuality:      80,
		SnapshotDir:      "/tmp/home_surveillance",
		MQTT: MQTTConfig{
			Topic:    "surveillance/motion",
			ClientID: "pisurveillance",
		},
		OCR:             OCRConfig{Language: "eng"},
		LogFormat:       "json",
		ShutdownTimeout: 5 * time.Second,
	}
}

// parseFlags parses command-line arguments (without the program name) and
// returns the validated configuration.
func parseFlags(args []string) (*Config, error) {
	cfg := defaultConfig()

	// A dedicated FlagSet keeps tests independent of the global flag state.
	fs := flag.NewFlagSet("pisurveillance", flag.ContinueOnError)

	confPath := fs.String("conf", "", "Path to a YAML configuration file")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "Camera index or video URL")
	fs.IntVar(&cfg.Resolution.Width, "width", cfg.Resolution.Width, "Requested capture width")
	fs.IntVar(&cfg.Resolution.Height, "height", cfg.Resolution.Height, "Requested capture height")
	fs.IntVar(&cfg.FPS, "fps", cfg.FPS, "Requested capture frame rate")
	fs.IntVar(&cfg.ResizeWidth, "resize-width", cfg.ResizeWidth, "Width frames are resized to before analysis (0 keeps capture width)")
	fs.IntVar(&cfg.BlurSize, "blur", cfg.BlurSize, "Gaussian blur kernel size (odd, <=1 disables)")
	fs.DurationVar(&cfg.Warmup, "warmup", cfg.Warmup, "Camera warm-up delay before the first frame")
	fs.IntVar(&cfg.BackgroundFrames, "bg-frames", cfg.BackgroundFrames, "Frames used to build the background before detecting")
	fs.Float64Var(&cfg.DeltaThreshold, "delta", cfg.DeltaThreshold, "Per-pixel delta threshold (0-255)")
	fs.Float64Var(&cfg.MinArea, "min-area", cfg.MinArea, "Minimum contour area in pixels")
	fs.DurationVar(&cfg.MinEventInterval, "min-interval", cfg.MinEventInterval, "Minimum time between two motion events")
	fs.IntVar(&cfg.MinMotionFrames, "min-frames", cfg.MinMotionFrames, "Consecutive motion frames needed for an event")
	fs.Float64Var(&cfg.Alpha, "alpha", cfg.Alpha, "Background smoothing factor (0-1)")
	fs.BoolVar(&cfg.ShowVideo, "show", cfg.ShowVideo, "Show the annotated feed in a local window")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.IntVar(&cfg.StreamFPS, "stream-fps", cfg.StreamFPS, "Maximum frames per second sent to each stream client")
	fs.IntVar(&cfg.JPEGQuality, "jpeg-quality", cfg.JPEGQuality, "JPEG quality for stream and snapshots (1-100)")
	fs.StringVar(&cfg.SnapshotDir, "snapshots", cfg.SnapshotDir, "Directory for event snapshots (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite event log path (empty disables)")
	fs.StringVar(&cfg.MQTT.Broker, "mqtt-broker", cfg.MQTT.Broker, "MQTT broker host:port (empty disables)")
	fs.StringVar(&cfg.MQTT.Topic, "mqtt-topic", cfg.MQTT.Topic, "MQTT topic for motion events")
	fs.StringVar(&cfg.MQTT.ClientID, "mqtt-client", cfg.MQTT.ClientID, "MQTT client identifier")
	fs.BoolVar(&cfg.OCR.Enabled, "ocr", cfg.OCR.Enabled, "Read text inside motion regions")
	fs.StringVar(&cfg.OCR.Language, "lang", cfg.OCR.Language, "Tesseract language codes")
	fs.StringVar(&cfg.LogFormat, "logfmt", cfg.LogFormat, "Log format: json or kv")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *confPath != "" {
		if err := loadConfigFile(*confPath, cfg); err != nil {
			return nil, err
		}
		// Parse again so that flags given on the command line win over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile overlays the YAML document at path onto cfg. Keys missing
// from the file keep their current values.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if c.FPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be positive, got %d", c.FPS))
	}
	if c.ResizeWidth < 0 {
		errs = append(errs, fmt.Errorf("resize width must not be negative, got %d", c.ResizeWidth))
	}
	if c.BlurSize > 1 && c.BlurSize%2 == 0 {
		errs = append(errs, fmt.Errorf("blur size must be odd, got %d", c.BlurSize))
	}
	if c.Warmup < 0 {
		errs = append(errs, fmt.Errorf("warmup must not be negative, got %s", c.Warmup))
	}
	if c.BackgroundFrames < 0 {
		errs = append(errs, fmt.Errorf("background frames must not be negative, got %d", c.BackgroundFrames))
	}
	if c.DeltaThreshold < 0 || c.DeltaThreshold > 255 {
		errs = append(errs, fmt.Errorf("delta threshold must be between 0 and 255, got %v", c.DeltaThreshold))
	}
	if c.MinArea < 0 {
		errs = append(errs, fmt.Errorf("min area must not be negative, got %v", c.MinArea))
	}
	if c.MinEventInterval < 0 {
		errs = append(errs, fmt.Errorf("min event interval must not be negative, got %s", c.MinEventInterval))
	}
	if c.MinMotionFrames < 1 {
		errs = append(errs, fmt.Errorf("min motion frames must be at least 1, got %d", c.MinMotionFrames))
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		errs = append(errs, fmt.Errorf("alpha must be between 0 and 1 (exclusive), got %v", c.Alpha))
	}
	if c.StreamFPS <= 0 {
		errs = append(errs, fmt.Errorf("stream fps must be positive, got %d", c.StreamFPS))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.JPEGQuality))
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt topic is required when a broker is set"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.LogFormat != "json" && c.LogFormat != "kv" {
		errs = append(errs, fmt.Errorf("logfmt must be 'json' or 'kv', got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// StreamInterval is the minimum spacing between two parts sent to one client.
func (c *Config) StreamInterval() time.Duration {
	return time.Second / time.Duration(c.StreamFPS)
}
