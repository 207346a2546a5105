package main

import (
	"log"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/relaysession/sessiond/internal/config"
	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/provisioner"
	"github.com/relaysession/sessiond/internal/registry"
	"github.com/relaysession/sessiond/internal/transport"
)

func main() {
	cfg := config.MustLoad()

	var dirClient directory.Client
	if cfg.DirectoryBaseURL == "" {
		log.Printf("DIRECTORY_BASE_URL not set, using in-memory directory fake")
		dirClient = directory.NewFake()
	} else {
		dirClient = directory.New(cfg.DirectoryBaseURL, cfg.RequestTimeout)
	}

	var tokenCipher *directory.TokenCipher
	if cfg.TokenEncryptionKeyPath != "" {
		var err error
		tokenCipher, err = directory.LoadTokenCipher(cfg.TokenEncryptionKeyPath)
		if err != nil {
			log.Fatalf("load token encryption key: %v", err)
		}
	}

	var githubApp *gitprovider.GitHubApp
	if cfg.GitHubAppID != "" && cfg.GitHubPrivateKey != "" {
		var err error
		githubApp, err = gitprovider.NewGitHubApp(cfg.GitHubAppID, cfg.GitHubPrivateKey)
		if err != nil {
			log.Printf("warning: github app not configured: %v", err)
		}
	}

	reg := registry.New(registry.Template{
		StateBaseDir:            cfg.StateBaseDir,
		Directory:               dirClient,
		Provisioner:             provisioner.New(cfg.RequestTimeout),
		GitHub:                  gitprovider.NewGitHub(),
		GitLab:                  gitprovider.NewGitLab(),
		GitHubApp:               githubApp,
		GitHubAppInstallationID: cfg.GitHubAppInstallationID,
		TokenCipher:             tokenCipher,
		DefaultIdle:             cfg.DefaultIdleTimeout,
		QuestionTTL:             cfg.QuestionExpiry,
		BackendBase:             cfg.EventBusBaseURL,
	})

	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Forwarded-User", "X-Forwarded-Preferred-Username", "X-Forwarded-Email"}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "sessions": reg.Count()})
	})

	api := r.Group("/api")
	transport.NewServer(reg).Register(api)

	log.Printf("session agent listening on :%s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
