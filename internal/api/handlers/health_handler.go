package handlers

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ipmon/ipmon/internal/version"
)

// getLocalIP returns the non-loopback local IP of the host
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}

// HealthHandler responds with basic service metadata for uptime checks.
func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     version.Name,
		"version":     version.Version,
		"git_commit":  version.GitCommit,
		"build_time":  version.BuildTime,
		"internal_ip": getLocalIP(),
	})
}

// ReadyHandler reports 503 until the database is migrated and the scheduler may start.
func ReadyHandler(ready <-chan struct{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		select {
		case <-ready:
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		}
	}
}
