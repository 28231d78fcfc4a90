package http

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/jobs"
	"github.com/melih/lighthouse/internal/core/network"
	"github.com/melih/lighthouse/internal/core/result"
	"github.com/melih/lighthouse/internal/core/retry"
	"github.com/melih/lighthouse/internal/core/services"
)

// Handler exposes job and service operations over HTTP.
type Handler struct {
	jobs     jobs.Manager
	services map[string]*services.Generic
	// stacks are used when a start request does not carry its own stack.
	stacks map[string]domain.StackConfiguration
	ready  retry.Options
	sync    *services.SyncPair
	tunnels network.Tunnels
	logger  *zap.Logger
}

func NewHandler(manager jobs.Manager, svcs map[string]*services.Generic, stacks map[string]domain.StackConfiguration, ready retry.Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{jobs: manager, services: svcs, stacks: stacks, ready: ready, logger: logger}
}

// WithSyncPair enables the /sync routes.
func (h *Handler) WithSyncPair(pair *services.SyncPair) *Handler {
	h.sync = pair
	return h
}

// WithTunnels sets the forward options used by the /tunnels routes.
func (h *Handler) WithTunnels(tunnels network.Tunnels) *Handler {
	h.tunnels = tunnels
	return h
}

// Register mounts the API on router.
func (h *Handler) Register(router fiber.Router) {
	jobsGroup := router.Group("/jobs")
	jobsGroup.Get("/", h.ListJobs)
	jobsGroup.Delete("/:id", h.DeleteJob)
	jobsGroup.Post("/:id/stop", h.StopJob)
	jobsGroup.Get("/:id/logs", h.JobLogs)
	jobsGroup.Get("/:id/state", h.JobState)

	svc := router.Group("/services")
	svc.Get("/", h.ListServiceNames)
	svc.Post("/:name/start", h.StartService)
	svc.Post("/:name/stop", h.StopService)
	svc.Get("/:name", h.ListService)
	svc.Get("/:name/ready", h.ServiceReady)

	tunnels := router.Group("/tunnels")
	tunnels.Post("/", h.StartTunnel)
	tunnels.Delete("/:localPort", h.ReleaseTunnel)

	if h.sync != nil {
		router.Post("/sync/start", h.StartSync)
		router.Post("/sync/stop", h.StopSync)
	}
}

// ListJobs supports ?stack=, ?state= and ?label=key=value, each repeatable.
func (h *Handler) ListJobs(c *fiber.Ctx) error {
	filter := domain.Filter{}
	args := c.Context().QueryArgs()
	for _, v := range args.PeekMulti("stack") {
		filter.StackPaths = append(filter.StackPaths, string(v))
	}
	for _, v := range args.PeekMulti("state") {
		filter.States = append(filter.States, domain.JobState(v))
	}
	for _, v := range args.PeekMulti("label") {
		key, value, hasValue := strings.Cut(string(v), "=")
		if filter.Labels == nil {
			filter.Labels = map[string][]string{}
		}
		if hasValue {
			filter.Labels[key] = append(filter.Labels[key], value)
		} else if _, ok := filter.Labels[key]; !ok {
			filter.Labels[key] = nil
		}
	}
	return respond(c, h.jobs.List(c.Context(), jobs.ListOptions{Filter: filter}))
}

func (h *Handler) DeleteJob(c *fiber.Ctx) error {
	opts := jobs.DeleteOptions{IDs: []string{c.Params("id")}}
	if state := c.Query("state"); state != "" {
		opts.States = []domain.JobState{domain.JobState(state)}
	}
	return respond(c, h.jobs.Delete(c.Context(), opts))
}

func (h *Handler) StopJob(c *fiber.Ctx) error {
	return respond(c, h.jobs.Stop(c.Context(), jobs.StopOptions{IDs: []string{c.Params("id")}}))
}

func (h *Handler) JobLogs(c *fiber.Ctx) error {
	lines := c.QueryInt("lines", 0)
	return respond(c, h.jobs.Log(c.Context(), jobs.LogOptions{ID: c.Params("id"), Lines: lines}))
}

func (h *Handler) JobState(c *fiber.Ctx) error {
	return respond(c, h.jobs.State(c.Context(), jobs.StateOptions{ID: c.Params("id")}))
}

func (h *Handler) ListServiceNames(c *fiber.Ctx) error {
	names := make([]string, 0, len(h.services))
	for _, spec := range services.Specs() {
		if name := strings.ToLower(spec.Prefix()); h.services[name] != nil {
			names = append(names, name)
		}
	}
	return respond(c, result.OK(names))
}

// StartServiceRequest is the body of POST /services/:name/start.
type StartServiceRequest struct {
	ProjectRoot string                     `json:"projectRoot"`
	Stack       *domain.StackConfiguration `json:"stack,omitempty"`
	Ports       []domain.Port              `json:"ports,omitempty"`
	AccessPort  int                        `json:"accessPort,omitempty"`
	AccessIP    string                     `json:"accessIp,omitempty"`
	X11         bool                       `json:"x11,omitempty"`
	ReuseImage  *bool                      `json:"reuseImage,omitempty"`
	Args        map[string]string          `json:"args,omitempty"`
	// Wait polls readiness after a successful start.
	Wait bool `json:"wait,omitempty"`
}

// StartServiceResponse is the value returned by a service start.
type StartServiceResponse struct {
	Service domain.ServiceInfo  `json:"service"`
	Ready   *services.ReadyInfo `json:"ready,omitempty"`
}

func (h *Handler) StartService(c *fiber.Ctx) error {
	name := c.Params("name")
	svc, ok := h.services[name]
	if !ok {
		return h.unknownService(c, name)
	}
	var req StartServiceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, fmt.Errorf("invalid request body: %w", err))
	}
	opts, err := h.serviceOptions(name, req)
	if err != nil {
		return badRequest(c, err)
	}

	ctx := c.Context()
	id := domain.ServiceIdentifier{ProjectRoot: req.ProjectRoot}
	started := svc.Start(ctx, id, opts)
	h.logger.Info("service start",
		zap.String("service", name),
		zap.String("project_root", req.ProjectRoot),
		zap.Bool("success", started.Success),
		zap.Bool("is_new", started.Value.IsNew))

	out := result.Map(started, StartServiceResponse{}, func(info domain.ServiceInfo) StartServiceResponse {
		return StartServiceResponse{Service: info}
	})
	if started.Success && req.Wait {
		ready := svc.WaitReady(ctx, id, h.ready)
		result.Absorb(&out, ready)
		if ready.Success {
			out.Value.Ready = &ready.Value
		}
	}
	return respond(c, out)
}

func (h *Handler) serviceOptions(name string, req StartServiceRequest) (domain.ServiceOptions, error) {
	opts := domain.ServiceOptions{
		Ports:      req.Ports,
		AccessPort: req.AccessPort,
		AccessIP:   req.AccessIP,
		X11:        req.X11,
		ReuseImage: req.ReuseImage,
		Args:       req.Args,
	}
	switch {
	case req.Stack != nil:
		opts.Stack = *req.Stack
	default:
		stack, ok := h.stacks[name]
		if !ok {
			return opts, errors.New("no stack given and none configured for " + name)
		}
		opts.Stack = stack.Copy()
	}
	return opts, nil
}

// StopServiceRequest is the body of POST /services/:name/stop. An empty
// project root with All set stops every instance of the service. CopyBack
// defaults to true on a remote resource and false locally.
type StopServiceRequest struct {
	ProjectRoot string `json:"projectRoot"`
	All         bool   `json:"all,omitempty"`
	CopyBack    *bool  `json:"copyBack,omitempty"`
}

func (h *Handler) StopService(c *fiber.Ctx) error {
	name := c.Params("name")
	svc, ok := h.services[name]
	if !ok {
		return h.unknownService(c, name)
	}
	var req StopServiceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, fmt.Errorf("invalid request body: %w", err))
		}
	}
	var id *domain.ServiceIdentifier
	if !req.All {
		id = &domain.ServiceIdentifier{ProjectRoot: req.ProjectRoot}
	}
	copyBack := svc.Manager().Transport() != nil
	if req.CopyBack != nil {
		copyBack = *req.CopyBack
	}
	return respond(c, svc.Stop(c.Context(), id, copyBack))
}

// ListService lists instances; ?projectRoot= narrows to one identity.
func (h *Handler) ListService(c *fiber.Ctx) error {
	name := c.Params("name")
	svc, ok := h.services[name]
	if !ok {
		return h.unknownService(c, name)
	}
	return respond(c, svc.List(c.Context(), queryIdentifier(c)))
}

func (h *Handler) ServiceReady(c *fiber.Ctx) error {
	name := c.Params("name")
	svc, ok := h.services[name]
	if !ok {
		return h.unknownService(c, name)
	}
	id := domain.ServiceIdentifier{ProjectRoot: c.Query("projectRoot")}
	return respond(c, svc.Ready(c.Context(), id))
}

// SyncRequest is the body of the /sync routes.
type SyncRequest struct {
	ProjectRoot string                     `json:"projectRoot"`
	Stack       *domain.StackConfiguration `json:"stack,omitempty"`
	Folder      string                     `json:"folder,omitempty"`
}

func (h *Handler) StartSync(c *fiber.Ctx) error {
	var req SyncRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, fmt.Errorf("invalid request body: %w", err))
	}
	opts, err := h.serviceOptions("syncthing", StartServiceRequest{Stack: req.Stack})
	if err != nil {
		return badRequest(c, err)
	}
	if req.Folder != "" {
		opts.Args = map[string]string{services.ArgSyncFolder: req.Folder}
	}
	id := domain.ServiceIdentifier{ProjectRoot: req.ProjectRoot}
	return respond(c, services.AbsorbAll(h.sync.Start(c.Context(), id, opts, opts.Copy())))
}

func (h *Handler) StopSync(c *fiber.Ctx) error {
	var req SyncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, fmt.Errorf("invalid request body: %w", err))
		}
	}
	id := domain.ServiceIdentifier{ProjectRoot: req.ProjectRoot}
	return respond(c, services.AbsorbAll(h.sync.Stop(c.Context(), &id)))
}

// TunnelRequest is the body of POST /tunnels.
type TunnelRequest struct {
	LocalPort  int `json:"localPort"`
	RemotePort int `json:"remotePort"`
}

// StartTunnel forwards a local port to a port on the remote resource. On a
// local target it does nothing.
func (h *Handler) StartTunnel(c *fiber.Ctx) error {
	var req TunnelRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, fmt.Errorf("invalid request body: %w", err))
	}
	return respond(c, h.tunnels.Start(c.Context(), h.jobs.Transport(), req.LocalPort, req.RemotePort))
}

// ReleaseTunnel closes the forward on :localPort. ?remotePort= defaults to
// the local port. Releasing a closed forward succeeds with a notice.
func (h *Handler) ReleaseTunnel(c *fiber.Ctx) error {
	localPort, err := c.ParamsInt("localPort")
	if err != nil || localPort <= 0 {
		return badRequest(c, fmt.Errorf("invalid local port %q", c.Params("localPort")))
	}
	remotePort := c.QueryInt("remotePort", localPort)
	return respond(c, h.tunnels.Release(c.Context(), h.jobs.Transport(), localPort, remotePort))
}

func (h *Handler) unknownService(c *fiber.Ctx, name string) error {
	return respond(c, result.Fail[any](nil, fmt.Errorf("%w: unknown service %q", domain.ErrNotFound, name)))
}

func queryIdentifier(c *fiber.Ctx) *domain.ServiceIdentifier {
	root := c.Query("projectRoot")
	if root == "" {
		return nil
	}
	return &domain.ServiceIdentifier{ProjectRoot: root}
}
