package control

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gantry-dev/gantry/internal/db"
	"github.com/gantry-dev/gantry/internal/models"
	"github.com/gantry-dev/gantry/internal/nodeclient"
)

// Cargo URL errors.
var (
	ErrCargoNotFound        = errors.New("cargo not found")
	ErrCargoURLExpired      = errors.New("cargo url expired")
	ErrCargoBadSignature    = errors.New("cargo url signature mismatch")
	ErrCargoNotDownloadable = errors.New("cargo has no local content")
)

// cargoURLTTL is how long a signed download link stays valid. Daemons fetch
// cargo immediately after receiving a file list, so the window is short.
const cargoURLTTL = 15 * time.Minute

// CargoService resolves a unit's cargo containers into daemon-consumable file
// lists and signs download URLs for locally stored cargo.
//
// A signature is sha256 over "cargoId:serverId:expires:appSecret", hex
// encoded. Both ids and the expiry are covered, so a link cannot be replayed
// for another server or past its window.
type CargoService struct {
	store  *db.Store
	appURL string
	secret string
	now    func() time.Time
}

// NewCargoService builds a service signing URLs under appURL with secret.
func NewCargoService(store *db.Store, appURL, secret string) *CargoService {
	return &CargoService{
		store:  store,
		appURL: appURL,
		secret: secret,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (c *CargoService) WithClock(now func() time.Time) *CargoService {
	c.now = now
	return c
}

// ResolveCargoFiles expands the cargo containers referenced by unit into the
// ordered file list shipped to the daemon. Container order and item order are
// both preserved, and a cargo referenced twice is listed twice; the daemon
// applies files in sequence and later writes win.
func (c *CargoService) ResolveCargoFiles(ctx context.Context, unit models.Unit, server models.Server) ([]nodeclient.CargoFile, error) {
	if c == nil || c.store == nil {
		return nil, errors.New("cargo service not configured")
	}
	var files []nodeclient.CargoFile
	for _, containerID := range unit.CargoContainerIDs {
		container, err := c.store.GetCargoContainer(ctx, containerID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: container %s", ErrCargoNotFound, containerID)
			}
			return nil, fmt.Errorf("load cargo container %s: %w", containerID, err)
		}
		for _, item := range container.Items {
			cargo, err := c.store.GetCargo(ctx, item.CargoID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, fmt.Errorf("%w: %s", ErrCargoNotFound, item.CargoID)
				}
				return nil, fmt.Errorf("load cargo %s: %w", item.CargoID, err)
			}
			file := nodeclient.CargoFile{
				ID:         cargo.ID,
				TargetPath: item.TargetPath,
				Properties: cargoProperties(cargo),
			}
			switch cargo.Type {
			case models.CargoRemote:
				// Remote URLs pass through untouched; the daemon fetches
				// them directly.
				file.URL = cargo.RemoteURL
			case models.CargoLocal:
				file.URL = c.SignedDownloadURL(cargo.ID, server.ID)
			default:
				return nil, fmt.Errorf("cargo %s has unknown type %q", cargo.ID, cargo.Type)
			}
			files = append(files, file)
		}
	}
	return files, nil
}

// SignedDownloadURL builds a time-limited download link for a local cargo.
func (c *CargoService) SignedDownloadURL(cargoID, serverID string) string {
	expires := c.now().Add(cargoURLTTL).Unix()
	sig := c.signature(cargoID, serverID, expires)
	q := url.Values{}
	q.Set("serverId", serverID)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", sig)
	return fmt.Sprintf("%s/api/cargo/%s/download?%s", c.appURL, cargoID, q.Encode())
}

// VerifySignature checks a presented download signature. Expiry is checked
// first so an expired-but-valid link reports ErrCargoURLExpired, and the
// signature compare is constant time.
func (c *CargoService) VerifySignature(cargoID, serverID string, expires int64, signature string) error {
	if c.now().Unix() > expires {
		return ErrCargoURLExpired
	}
	want := c.signature(cargoID, serverID, expires)
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return ErrCargoBadSignature
	}
	return nil
}

func (c *CargoService) signature(cargoID, serverID string, expires int64) string {
	payload := fmt.Sprintf("%s:%s:%d:%s", cargoID, serverID, expires, c.secret)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func cargoProperties(cargo models.Cargo) map[string]string {
	props := make(map[string]string)
	if cargo.Properties.Hidden {
		props["hidden"] = "true"
	}
	if cargo.Properties.ReadOnly {
		props["readOnly"] = "true"
	}
	if cargo.Properties.NoDelete {
		props["noDelete"] = "true"
	}
	for k, v := range cargo.Properties.Extra {
		props[k] = v
	}
	if len(props) == 0 {
		return nil
	}
	return props
}
