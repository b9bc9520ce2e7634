package threed

import (
	"strings"

	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// NewClients constructs a client for every configured backend. Unconfigured
// backends are absent from the map.
func NewClients(cfg Configs, logger *zap.Logger) map[Backend]Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	clients := make(map[Backend]Client, len(Precedence))
	if cfg.MakerGrid.Configured() {
		clients[BackendMakerGrid] = NewMakerGridClient(cfg.MakerGrid, logger)
	}
	if cfg.Tripo3D.Configured() {
		clients[BackendTripo3D] = NewTripoClient(cfg.Tripo3D, logger)
	}
	if cfg.Meshy.Configured() {
		clients[BackendMeshy] = NewMeshyClient(cfg.Meshy, logger)
	}
	return clients
}

// ResolveDefault picks the default backend. A non-empty explicit name must be a
// known, configured backend; otherwise the first configured backend in
// Precedence wins.
func ResolveDefault(explicit string, configured []Backend) (Backend, error) {
	has := func(b Backend) bool {
		for _, c := range configured {
			if c == b {
				return true
			}
		}
		return false
	}

	if name := strings.ToLower(strings.TrimSpace(explicit)); name != "" {
		b, ok := ParseBackend(name)
		if !ok {
			return "", types.Errorf(types.ErrConfiguration, "unknown backend %q", explicit)
		}
		if !has(b) {
			return "", types.Errorf(types.ErrConfiguration, "default backend %s is not configured", b)
		}
		return b, nil
	}

	for _, b := range Precedence {
		if has(b) {
			return b, nil
		}
	}
	return "", types.NewError(types.ErrConfiguration,
		"no 3D backend configured: set credentials for makergrid, tripo3d or meshy")
}
