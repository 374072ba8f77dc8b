package main

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devatadev/gokeyward/internal/config"
	"github.com/devatadev/gokeyward/internal/drm"
	"github.com/devatadev/gokeyward/internal/logging"
	"github.com/devatadev/gokeyward/internal/vault"
)

// wire-protocol response codes, shared with the API vault client
const (
	codeOK = iota
	codeAuthRejected
	codeRateLimited
	codeServiceTagInvalid
	codeKeyIDInvalid
	codeContentKeyInvalid
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the content-key vault API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			return runServe(cmd.Context(), cfg, log)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	vaults := make([]vault.Vault, 0, len(cfg.Vaults))
	for _, rec := range cfg.Vaults {
		v, err := vault.New(rec)
		if err != nil {
			// critical local vaults must load; the daemon is pointless without
			return err
		}
		log.Info("loaded vault", logging.Vault(rec.Name), zap.String("type", rec.Type), zap.Bool("no_push", rec.NoPush))
		vaults = append(vaults, v)
	}
	log.Info("vaults ready", zap.Int("count", len(vaults)))

	srv := &server{
		cfg:    cfg,
		vaults: vault.NewAggregator(log, vaults...),
		tiers:  vaults,
		log:    log.With(logging.Component("serve")),
	}

	mode := ginMode(cfg.Serve.Mode)
	router := srv.router(mode)

	address := cfg.Serve.Host + ":" + strconv.FormatInt(cfg.Serve.Port, 10)
	log.Info("key vault server listening", zap.String("addr", address), zap.String("mode", mode))
	return router.Run(address)
}

// ginMode maps the configured serve mode onto gin's. Empty, "release" and
// the aliases "prod"/"production" run quiet; anything else is debug.
func ginMode(mode string) string {
	switch strings.ToLower(mode) {
	case "", "release", "prod", "production":
		return "release"
	default:
		return "debug"
	}
}

func (s *server) router(mode string) *gin.Engine {
	var router *gin.Engine
	if mode == "debug" {
		router = gin.Default()
	} else {
		gin.SetMode(gin.ReleaseMode)
		gin.DefaultWriter = io.Discard
		router = gin.New()
	}
	router.Use(s.authenticate)

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": codeOK, "message": "pong"})
	})
	router.GET("/:service/:kid", s.lookupKey)
	router.POST("/:service/:kid", s.storeKey)
	router.GET("/:service", s.exportKeys)
	return router
}

type server struct {
	cfg    *config.Config
	vaults *vault.Aggregator
	tiers  []vault.Vault
	log    *zap.Logger
}

// authenticate resolves the bearer token to a configured user and checks the
// service path segment against the user's allowed services.
func (s *server) authenticate(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	user, ok := s.cfg.Serve.Users[token]
	if token == "" || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": codeAuthRejected, "message": "authentication rejected"})
		c.Abort()
		return
	}

	service := c.Param("service")
	if service != "" && len(user.Services) > 0 {
		allowed := false
		for _, tag := range user.Services {
			if strings.EqualFold(tag, service) {
				allowed = true
				break
			}
		}
		if !allowed {
			c.JSON(http.StatusUnauthorized, gin.H{"code": codeAuthRejected, "message": "service not permitted"})
			c.Abort()
			return
		}
	}

	c.Set("user", user.Name)
	c.Next()
}

func (s *server) lookupKey(c *gin.Context) {
	service := c.Param("service")
	kid, ok := parseKID(c.Param("kid"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"code": codeKeyIDInvalid, "message": "invalid key id"})
		return
	}

	key, found := s.vaults.Lookup(c.Request.Context(), service, kid)
	if !found {
		c.JSON(http.StatusOK, gin.H{"code": codeOK, "message": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":        codeOK,
		"message":     "key found",
		"content_key": key.KeyHex(),
	})
}

func (s *server) storeKey(c *gin.Context) {
	service := c.Param("service")
	kid, ok := parseKID(c.Param("kid"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"code": codeKeyIDInvalid, "message": "invalid key id"})
		return
	}

	var body struct {
		ContentKey string `json:"content_key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusOK, gin.H{"code": codeContentKeyInvalid, "message": "invalid request body"})
		return
	}
	raw, err := hex.DecodeString(body.ContentKey)
	if err != nil || len(raw) != 16 {
		c.JSON(http.StatusOK, gin.H{"code": codeContentKeyInvalid, "message": "invalid content key"})
		return
	}
	key, err := drm.NewContentKey(service, kid, raw)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"code": codeContentKeyInvalid, "message": "invalid content key"})
		return
	}

	existing, _ := s.vaults.Lookup(c.Request.Context(), service, kid)
	stored := s.vaults.Store(c.Request.Context(), key)
	s.log.Debug("stored key",
		logging.Service(service), logging.KID(kid.Hex()), zap.String("user", c.GetString("user")))

	message := "key stored"
	if existing != nil {
		message = "key already exists"
	}
	// vault tiers keep the first write for a kid; an existing entry is never
	// replaced
	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"message": message,
		"added":   stored && existing == nil,
		"updated": false,
	})
}

// exporter is implemented by vault backends that can dump a whole service.
type exporter interface {
	Keys(ctx context.Context, service string) ([]drm.ContentKey, error)
}

func (s *server) exportKeys(c *gin.Context) {
	service := c.Param("service")
	merged := make(map[string]string)
	for _, tier := range s.tiers {
		exp, ok := tier.(exporter)
		if !ok {
			continue
		}
		keys, err := exp.Keys(c.Request.Context(), service)
		if err != nil {
			s.log.Warn("vault export failed", logging.Vault(tier.Name()), zap.Error(err))
			continue
		}
		for _, key := range keys {
			if _, seen := merged[key.ID.Hex()]; !seen {
				merged[key.ID.Hex()] = key.KeyHex()
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"code":         codeOK,
		"message":      "ok",
		"content_keys": merged,
		"pages":        1,
	})
}

func parseKID(s string) (drm.KeyID, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return drm.KeyID{}, false
	}
	kid, err := drm.KeyIDFromBytes(raw)
	if err != nil {
		return drm.KeyID{}, false
	}
	return kid, true
}
