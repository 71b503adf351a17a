package middlewares

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-workflow-monitor/config"
)

// CORSMiddleware allows the configured comma-separated origins. GLOBAL_DOMAIN admits
// every subdomain of that domain.
func CORSMiddleware(config *config.EnvConfig) gin.HandlerFunc {
	var origins []string
	for _, origin := range strings.Split(config.CORS.AllowDomains, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	globalDomain := strings.TrimPrefix(strings.TrimSpace(config.CORS.GlobalDomain), ".")

	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			for _, allowed := range origins {
				if origin == allowed {
					return true
				}
			}
			if globalDomain == "" {
				return false
			}
			host := origin
			if i := strings.Index(host, "://"); i >= 0 {
				host = host[i+3:]
			}
			host, _, _ = strings.Cut(host, ":")
			return host == globalDomain || strings.HasSuffix(host, "."+globalDomain)
		},
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
