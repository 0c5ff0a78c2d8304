package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	dataFolder     = "./skyeupload-data"
	metadataFolder = dataFolder + "/metadata"
	uploadFolder   = dataFolder + "/uploads"
	libraryFile    = dataFolder + "/library.json"
)

// Handler loads and saves the YAML configuration file.
type Handler struct {
	p string
}

func NewHandler(path string) *Handler {
	return &Handler{p: path}
}

func (c *Handler) Path() string {
	return c.p
}

// Get loads the configuration. Variables from a .env file in the working
// directory are exported first, then ${VAR} references in the file are
// expanded. A missing file is created with the default values.
func (c *Handler) Get() (*Root, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("error reading .env file")
	}

	b, err := os.ReadFile(c.p)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info().Str("file", c.p).Msg("configuration file not found, writing defaults")
		conf := AddDefaults(&Root{})
		if err := c.Save(conf); err != nil {
			return nil, err
		}
		return conf, conf.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}

	return Parse(b)
}

// Parse decodes YAML after environment expansion and applies defaults.
func Parse(b []byte) (*Root, error) {
	conf := &Root{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), conf); err != nil {
		return nil, fmt.Errorf("error parsing configuration file: %w", err)
	}

	conf = AddDefaults(conf)
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return conf, nil
}

func (c *Handler) Save(r *Root) error {
	if err := os.MkdirAll(filepath.Dir(c.p), 0o744); err != nil {
		return fmt.Errorf("error creating configuration folder: %w", err)
	}

	b, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("error encoding configuration: %w", err)
	}

	if err := os.WriteFile(c.p, b, 0o644); err != nil {
		return fmt.Errorf("error writing configuration file: %w", err)
	}

	return nil
}
