package http

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services"
)

// ProxyHandler forwards <service>-<hash>.<domain> to the access address of
// the matching running service.
type ProxyHandler struct {
	domain   string
	services map[string]*services.Generic
	logger   *zap.Logger
}

func NewProxyHandler(domain string, svcs map[string]*services.Generic, logger *zap.Logger) *ProxyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyHandler{domain: strings.ToLower(domain), services: svcs, logger: logger}
}

// splitHost returns the service name and job name encoded in host, e.g.
// "jupyter-3f2a.lh.local" gives ("jupyter", "jupyter-3f2a").
func (h *ProxyHandler) splitHost(host string) (string, string, bool) {
	host = strings.ToLower(host)
	sub, ok := strings.CutSuffix(host, "."+h.domain)
	if !ok || sub == "" || strings.Contains(sub, ".") {
		return "", "", false
	}
	name, _, ok := strings.Cut(sub, "-")
	if !ok {
		return "", "", false
	}
	return name, sub, true
}

// ProxyRequest intercepts requests to service subdomains and passes the
// rest on.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	name, jobName, ok := h.splitHost(c.Hostname())
	if !ok {
		return c.Next()
	}
	svc, ok := h.services[name]
	if !ok {
		return c.Next()
	}

	listed := svc.List(c.Context(), nil)
	if !listed.Success {
		return c.Status(fiber.StatusBadGateway).SendString("Failed to list services")
	}

	var ip string
	var port int
	for _, info := range listed.Value {
		id := domain.ServiceIdentifier{ProjectRoot: info.ProjectRoot}
		if strings.EqualFold(svc.JobName(id), jobName) {
			ip, port = svc.Endpoint(info)
			break
		}
	}
	if port == 0 {
		return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("Service '%s' not found or not reachable", jobName))
	}

	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(ip, strconv.Itoa(port))}
	proxy := httputil.NewSingleHostReverseProxy(target)

	// Services check the Host header against their own address.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger.Warn("proxy error", zap.String("job_name", jobName), zap.String("target", target.Host), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprintf(w, "Proxy Info: target=%s error=%v", target.Host, err)
	}

	return adaptor.HTTPHandler(proxy)(c)
}
