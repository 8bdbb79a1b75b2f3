package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Roles a route may require. An empty Role admits any signed-in user.
const (
	RoleAdmin      = "ADMIN"
	RoleTechnician = "TECHNICIAN"
)

// BodyMode says how a request body travels upstream.
type BodyMode int

const (
	// BodyNone sends no body.
	BodyNone BodyMode = iota
	// BodyJSON reads the JSON body, runs the route's validator and
	// forwards the result.
	BodyJSON
	// BodyStream forwards the body untouched with its Content-Type.
	// Used for multipart uploads.
	BodyStream
)

// Route maps one web endpoint onto the backend.
type Route struct {
	Method string
	Path   string // chi pattern, under /api

	// Public routes need no session and send no token.
	Public bool
	Role   string

	// Upstream builds the backend path, with query when needed.
	Upstream func(r *http.Request) string
	// UpstreamMethod overrides Method for the backend call.
	UpstreamMethod string
	// Query forwards the incoming query string.
	Query bool
	Body  BodyMode

	// Validate checks a JSON body locally and returns what to forward.
	// A non-empty message answers 400 without calling the backend.
	Validate func(body []byte) (forward []byte, message string)
	// Check validates the request itself (query parameters).
	Check func(r *http.Request) string

	// FailMessage is relayed when the backend error carries none.
	FailMessage string
	// Success replaces a successful backend body.
	Success func(upstream []byte) any
}

// to builds an Upstream func from a path template whose {name}
// segments are filled from the chi URL parameters.
func to(tmpl string) func(*http.Request) string {
	return func(r *http.Request) string {
		parts := strings.Split(tmpl, "/")
		for i, p := range parts {
			if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
				parts[i] = url.PathEscape(chi.URLParam(r, p[1:len(p)-1]))
			}
		}
		return strings.Join(parts, "/")
	}
}

// weatherUpstream picks the forecast endpoint for type=forecast and
// forwards only the address.
func weatherUpstream(r *http.Request) string {
	endpoint := "/weather"
	if r.URL.Query().Get("type") == "forecast" {
		endpoint = "/weather/forecast"
	}
	return endpoint + "?address=" + url.QueryEscape(r.URL.Query().Get("address"))
}

func requireAddress(r *http.Request) string {
	if r.URL.Query().Get("address") == "" {
		return "Address is required"
	}
	return ""
}

func message(msg string) func([]byte) any {
	return func([]byte) any { return map[string]any{"success": true, "message": msg} }
}

// Routes is the web API surface.
var Routes = []Route{
	// Administration
	{Method: "POST", Path: "/admin/crop-knowledge/upload", Role: RoleAdmin, Upstream: to("/admin/crop-knowledge/upload"), Body: BodyStream, FailMessage: "Failed to upload document"},
	{Method: "GET", Path: "/admin/documents", Role: RoleAdmin, Upstream: to("/admin/documents"), Query: true, FailMessage: "Failed to fetch documents"},
	{Method: "POST", Path: "/admin/documents/{id}/reprocess", Role: RoleAdmin, Upstream: to("/admin/documents/{id}/reprocess"), FailMessage: "Failed to reprocess document"},
	{Method: "PUT", Path: "/admin/installation-requests/{id}/assign", Role: RoleAdmin, Upstream: to("/admin/installation-requests/{id}/assign"), Body: BodyJSON, FailMessage: "Failed to assign technician"},
	{Method: "PUT", Path: "/admin/installation-requests/{id}/cancel", Role: RoleAdmin, Upstream: to("/admin/installation-requests/{id}/cancel"), FailMessage: "Failed to cancel installation request"},
	{Method: "GET", Path: "/admin/subscription-plans", Role: RoleAdmin, Upstream: to("/subscription-plans"), FailMessage: "Failed to fetch subscription plans"},
	{Method: "POST", Path: "/admin/subscription-plans", Role: RoleAdmin, Upstream: to("/subscription-plans"), Body: BodyJSON, FailMessage: "Failed to create subscription plan"},
	{Method: "GET", Path: "/admin/subscription-plans/{id}", Role: RoleAdmin, Upstream: to("/subscription-plans/{id}"), FailMessage: "Failed to fetch subscription plan"},
	{Method: "PUT", Path: "/admin/subscription-plans/{id}", Role: RoleAdmin, Upstream: to("/subscription-plans/{id}"), Body: BodyJSON, FailMessage: "Failed to update subscription plan"},
	{Method: "DELETE", Path: "/admin/subscription-plans/{id}", Role: RoleAdmin, Upstream: to("/subscription-plans/{id}"), FailMessage: "Failed to delete subscription plan"},
	{Method: "PATCH", Path: "/admin/subscription-plans/{id}/toggle-active", Role: RoleAdmin, Upstream: to("/subscription-plans/{id}/toggle-active"), FailMessage: "Failed to toggle subscription plan"},
	{Method: "PUT", Path: "/admin/users/{id}/activate", Role: RoleAdmin, Upstream: to("/users/{id}/activate"), FailMessage: "Failed to activate user"},
	{Method: "PUT", Path: "/admin/users/{id}/deactivate", Role: RoleAdmin, Upstream: to("/users/{id}/deactivate"), FailMessage: "Failed to deactivate user"},

	// Accounts
	{Method: "POST", Path: "/auth/reset-password", Public: true, Upstream: to("/auth/reset-password"), Body: BodyJSON, Validate: validateResetPassword, FailMessage: "Đã xảy ra lỗi"},
	{Method: "POST", Path: "/auth/forgot-password", Public: true, Upstream: to("/auth/forgot-password"), Body: BodyJSON, Validate: validateForgotPassword, FailMessage: "Đã xảy ra lỗi",
		Success: message("Link đặt lại mật khẩu đã được gửi đến email của bạn")},
	{Method: "POST", Path: "/auth/change-password", Upstream: to("/auth/change-password"), UpstreamMethod: "PUT", Body: BodyJSON, Validate: validateChangePassword, FailMessage: "Có lỗi xảy ra khi đổi mật khẩu",
		Success: message("Đổi mật khẩu thành công")},
	{Method: "GET", Path: "/user/profile", Upstream: to("/auth/profile"), FailMessage: "Có lỗi xảy ra khi tải thông tin"},
	{Method: "PUT", Path: "/user/profile", Upstream: to("/users/profile"), Body: BodyJSON, FailMessage: "Có lỗi xảy ra khi cập nhật thông tin"},

	// Chat
	{Method: "POST", Path: "/chat/messages", Upstream: to("/chat/messages"), Body: BodyJSON, FailMessage: "Failed to send message"},
	{Method: "GET", Path: "/chat/conversations", Upstream: to("/chat/conversations"), Query: true, FailMessage: "Failed to fetch conversations"},
	{Method: "DELETE", Path: "/chat/conversations/{id}", Upstream: to("/chat/conversations/{id}"), FailMessage: "Failed to delete conversation"},
	{Method: "GET", Path: "/chat/conversations/{id}/messages", Upstream: to("/chat/conversations/{id}/messages"), Query: true, FailMessage: "Failed to fetch messages"},

	// Farms
	{Method: "GET", Path: "/farms/activities", Upstream: to("/farms/activities"), Query: true, FailMessage: "Failed to fetch activities"},
	{Method: "POST", Path: "/farms/activities", Upstream: to("/farms/activities"), Body: BodyJSON, FailMessage: "Failed to create activity"},
	{Method: "GET", Path: "/farms/areas", Upstream: to("/farms/areas"), Query: true, FailMessage: "Failed to fetch areas"},
	{Method: "POST", Path: "/farms/areas", Upstream: to("/farms/areas"), Body: BodyJSON, FailMessage: "Failed to create area"},
	{Method: "GET", Path: "/farms/stats", Upstream: to("/farms/stats"), Query: true, FailMessage: "Failed to fetch farm stats"},

	// IoT
	{Method: "GET", Path: "/iot/devices", Upstream: to("/iot/devices"), Query: true, FailMessage: "Failed to fetch devices"},
	{Method: "PUT", Path: "/iot/devices/{id}/assign", Upstream: to("/iot/devices/{id}/assign"), Body: BodyJSON, FailMessage: "Failed to assign device"},
	{Method: "POST", Path: "/iot/devices/{id}/irrigation/{action}", Upstream: to("/iot/devices/{id}/irrigation/{action}"), Body: BodyJSON, FailMessage: "Failed to control irrigation"},
	{Method: "POST", Path: "/iot/devices/{id}/lighting/{action}", Upstream: to("/iot/devices/{id}/lighting/{action}"), Body: BodyJSON, FailMessage: "Failed to control lighting"},
	{Method: "GET", Path: "/iot/devices/{id}/lighting/history", Upstream: to("/iot/devices/{id}/lighting/history"), Query: true, FailMessage: "Failed to fetch lighting history"},
	{Method: "GET", Path: "/iot/sensors/latest", Upstream: to("/iot/sensors/latest"), Query: true, FailMessage: "Failed to fetch sensor data"},

	// Billing
	{Method: "POST", Path: "/payment/create-url", Upstream: to("/payment/create-url"), Body: BodyJSON, FailMessage: "Failed to create payment URL"},
	{Method: "GET", Path: "/subscription-plans", Public: true, Upstream: to("/subscription-plans/active"), FailMessage: "Failed to fetch subscription plans"},

	// Technicians
	{Method: "POST", Path: "/technician/devices/activate", Role: RoleTechnician, Upstream: to("/technician/devices/activate"), Body: BodyJSON, FailMessage: "Failed to activate device"},
	{Method: "GET", Path: "/technician/requests/{id}", Role: RoleTechnician, Upstream: to("/technician/installation-requests/{id}"), FailMessage: "Failed to fetch request details"},

	// Weather
	{Method: "GET", Path: "/weather", Upstream: weatherUpstream, Check: requireAddress, FailMessage: "Failed to fetch weather"},
}
