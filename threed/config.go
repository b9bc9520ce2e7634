package threed

import "time"

// TripoConfig configures the Tripo3D backend.
type TripoConfig struct {
	APIKey         string        `json:"api_key" yaml:"api_key" env:"API_KEY"`
	BaseURL        string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	ModelVersion   string        `json:"model_version,omitempty" yaml:"model_version,omitempty" env:"MODEL_VERSION"`
	TextureQuality string        `json:"texture_quality,omitempty" yaml:"texture_quality,omitempty" env:"TEXTURE_QUALITY"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TIMEOUT"`
	MaxModelBytes  int64         `json:"max_model_bytes,omitempty" yaml:"max_model_bytes,omitempty" env:"MAX_MODEL_BYTES"`
}

// DefaultTripoConfig returns default Tripo3D config.
func DefaultTripoConfig() TripoConfig {
	return TripoConfig{
		BaseURL:        "https://api.tripo3d.ai/v2/openapi",
		ModelVersion:   "default",
		TextureQuality: "high",
		Timeout:        defaultTimeout,
		MaxModelBytes:  DefaultModelLimit,
	}
}

// Configured reports whether credentials are present.
func (c TripoConfig) Configured() bool { return c.APIKey != "" }

// MeshyConfig configures the Meshy backend.
type MeshyConfig struct {
	APIKey          string        `json:"api_key" yaml:"api_key" env:"API_KEY"`
	BaseURL         string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	ArtStyle        string        `json:"art_style,omitempty" yaml:"art_style,omitempty" env:"ART_STYLE"`
	Topology        string        `json:"topology,omitempty" yaml:"topology,omitempty" env:"TOPOLOGY"`
	TargetPolycount int           `json:"target_polycount,omitempty" yaml:"target_polycount,omitempty" env:"TARGET_POLYCOUNT"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TIMEOUT"`
	MaxModelBytes   int64         `json:"max_model_bytes,omitempty" yaml:"max_model_bytes,omitempty" env:"MAX_MODEL_BYTES"`
}

// DefaultMeshyConfig returns default Meshy config.
func DefaultMeshyConfig() MeshyConfig {
	return MeshyConfig{
		BaseURL:         "https://api.meshy.ai/v2",
		ArtStyle:        "cartoon",
		Topology:        "quad",
		TargetPolycount: 30000,
		Timeout:         defaultTimeout,
		MaxModelBytes:   DefaultModelLimit,
	}
}

// Configured reports whether credentials are present.
func (c MeshyConfig) Configured() bool { return c.APIKey != "" }

// MakerGridConfig configures the MakerGrid backend. Either AccessToken or
// Username/Password must be set.
type MakerGridConfig struct {
	AccessToken      string        `json:"access_token" yaml:"access_token" env:"ACCESS_TOKEN"`
	RefreshToken     string        `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty" env:"REFRESH_TOKEN"`
	Username         string        `json:"username,omitempty" yaml:"username,omitempty" env:"USERNAME"`
	Password         string        `json:"-" yaml:"password,omitempty" env:"PASSWORD"`
	BaseURL          string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Prompt           string        `json:"prompt,omitempty" yaml:"prompt,omitempty" env:"PROMPT"`
	Style            string        `json:"style,omitempty" yaml:"style,omitempty" env:"STYLE"`
	Complexity       string        `json:"complexity,omitempty" yaml:"complexity,omitempty" env:"COMPLEXITY"`
	OptimizePrinting bool          `json:"optimize_printing,omitempty" yaml:"optimize_printing,omitempty" env:"OPTIMIZE_PRINTING"`
	Timeout          time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TIMEOUT"`
	MaxModelBytes    int64         `json:"max_model_bytes,omitempty" yaml:"max_model_bytes,omitempty" env:"MAX_MODEL_BYTES"`
}

// DefaultMakerGridConfig returns default MakerGrid config.
func DefaultMakerGridConfig() MakerGridConfig {
	return MakerGridConfig{
		BaseURL:       "https://makergrid.pythonanywhere.com",
		Timeout:       defaultTimeout,
		MaxModelBytes: DefaultModelLimit,
	}
}

// HasLogin reports whether username/password credentials are available.
func (c MakerGridConfig) HasLogin() bool { return c.Username != "" && c.Password != "" }

// Configured reports whether credentials are present.
func (c MakerGridConfig) Configured() bool { return c.AccessToken != "" || c.HasLogin() }

// Configs groups every backend's config.
type Configs struct {
	Default   string          `json:"default,omitempty" yaml:"default,omitempty" env:"DEFAULT"`
	Tripo3D   TripoConfig     `json:"tripo3d" yaml:"tripo3d" env:"TRIPO3D"`
	Meshy     MeshyConfig     `json:"meshy" yaml:"meshy" env:"MESHY"`
	MakerGrid MakerGridConfig `json:"makergrid" yaml:"makergrid" env:"MAKERGRID"`
}

// DefaultConfigs returns defaults for every backend, none configured.
func DefaultConfigs() Configs {
	return Configs{
		Tripo3D:   DefaultTripoConfig(),
		Meshy:     DefaultMeshyConfig(),
		MakerGrid: DefaultMakerGridConfig(),
	}
}

// Configured lists the backends with credentials, in Precedence order.
func (c Configs) Configured() []Backend {
	var out []Backend
	for _, b := range Precedence {
		if c.isConfigured(b) {
			out = append(out, b)
		}
	}
	return out
}

func (c Configs) isConfigured(b Backend) bool {
	switch b {
	case BackendTripo3D:
		return c.Tripo3D.Configured()
	case BackendMeshy:
		return c.Meshy.Configured()
	case BackendMakerGrid:
		return c.MakerGrid.Configured()
	}
	return false
}
