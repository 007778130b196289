// Package swagger builds the control plane's OpenAPI document and serves it
// together with a Swagger UI.
package swagger

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

const bearerAuth = "BearerAuth"

func ref(name string, s *openapi3.Schema) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, s)
}

func object(required []string, props map[string]*openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for name, p := range props {
		s.WithProperty(name, p)
	}
	s.Required = required
	return s
}

var (
	str     = openapi3.NewStringSchema
	integer = openapi3.NewIntegerSchema
	number  = openapi3.NewFloat64Schema
	boolean = openapi3.NewBoolSchema
	when    = openapi3.NewDateTimeSchema
	anyObj  = func() *openapi3.Schema { return openapi3.NewObjectSchema().WithAnyAdditionalProperties() }
)

func schemas() map[string]*openapi3.Schema {
	return map[string]*openapi3.Schema{
		"Error": object([]string{"error"}, map[string]*openapi3.Schema{
			"error": object([]string{"code", "message"}, map[string]*openapi3.Schema{
				"code":       str(),
				"message":    str(),
				"details":    anyObj(),
				"request_id": str(),
			}),
		}),
		"RegisterRequest": object([]string{"unit", "address"}, map[string]*openapi3.Schema{
			"unit":    str(),
			"address": str(),
		}),
		"Registration": object(nil, map[string]*openapi3.Schema{
			"unit":                 str(),
			"address":              str(),
			"healthy":              boolean(),
			"last_check":           when(),
			"consecutive_failures": integer(),
			"registered_at":        when(),
		}),
		"Address": object([]string{"address"}, map[string]*openapi3.Schema{"address": str()}),
		"Span": object([]string{"trace_id", "unit"}, map[string]*openapi3.Schema{
			"trace_id":    str(),
			"span_id":     str(),
			"unit":        str(),
			"path":        str(),
			"method":      str(),
			"status":      integer(),
			"duration_ms": number(),
			"timestamp":   when(),
		}),
		"RED": object(nil, map[string]*openapi3.Schema{
			"unit":          str(),
			"request_total": integer(),
			"success_total": integer(),
			"success_rate":  number(),
			"duration_p50":  number(),
			"duration_p99":  number(),
		}),
		"PublishRequest": object([]string{"type"}, map[string]*openapi3.Schema{
			"event_id":    str(),
			"type":        str(),
			"trace_id":    str(),
			"data":        anyObj(),
			"retry_count": integer(),
		}),
		"PublishResult": object([]string{"event_id", "status"}, map[string]*openapi3.Schema{
			"event_id": str(),
			"status":   openapi3.NewStringSchema().WithEnum("accepted", "dlq"),
		}),
		"Event": object(nil, map[string]*openapi3.Schema{
			"event_id":    str(),
			"type":        str(),
			"trace_id":    str(),
			"data":        anyObj(),
			"retry_count": integer(),
			"timestamp":   when(),
		}),
		"DeadLetter": object(nil, map[string]*openapi3.Schema{
			"event_id":    str(),
			"type":        str(),
			"trace_id":    str(),
			"data":        anyObj(),
			"retry_count": integer(),
			"reason":      str(),
			"timestamp":   when(),
		}),
		"SessionRequest": object([]string{"user_id"}, map[string]*openapi3.Schema{
			"user_id":       str(),
			"role":          str(),
			"tenant_id":     str(),
			"allowed_units": openapi3.NewArraySchema().WithItems(str()),
			"ttl_seconds":   integer(),
		}),
		"Session": object(nil, map[string]*openapi3.Schema{
			"token":         str(),
			"user_id":       str(),
			"role":          str(),
			"tenant_id":     str(),
			"allowed_units": openapi3.NewArraySchema().WithItems(str()),
			"expires_at":    when(),
		}),
		"Tenant": object([]string{"id"}, map[string]*openapi3.Schema{
			"id":                  str(),
			"status":              openapi3.NewStringSchema().WithEnum("enabled", "disabled"),
			"expires_at":          when(),
			"requests_per_minute": integer(),
		}),
		"Breaker": object(nil, map[string]*openapi3.Schema{
			"unit":         str(),
			"state":        openapi3.NewStringSchema().WithEnum("closed", "open", "half_open"),
			"window_start": when(),
			"successes":    integer(),
			"failures":     integer(),
		}),
		"Status": object(nil, map[string]*openapi3.Schema{"status": str()}),
	}
}

// route describes one operation of the HTTP surface.
type route struct {
	method  string
	path    string
	id      string
	summary string
	tag     string
	params  []*openapi3.Parameter
	body    string // schema name of the JSON request body
	status  int
	result  string // schema name of the success body; "[]X" for arrays, "X|Y" for either
	errors  []int
	secured bool
}

func pathParam(name, desc string) *openapi3.Parameter {
	return openapi3.NewPathParameter(name).WithDescription(desc).WithSchema(str())
}

func queryParam(name, desc string, s *openapi3.Schema, required bool) *openapi3.Parameter {
	return openapi3.NewQueryParameter(name).WithDescription(desc).WithSchema(s).WithRequired(required)
}

func routes() []route {
	unitParam := pathParam("unit", "Unit name")
	proxyOps := []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	out := []route{
		{method: http.MethodGet, path: "/healthz", id: "healthz", summary: "Liveness probe", tag: "system", status: 200, result: "Status"},
		{method: http.MethodGet, path: "/readyz", id: "readyz", summary: "Readiness probe", tag: "system", status: 200, result: "Status", errors: []int{503}},
		{method: http.MethodPost, path: "/registry/register", id: "registerUnit", summary: "Register or move a unit", tag: "registry",
			body: "RegisterRequest", status: 200, result: "Registration", errors: []int{400, 401}, secured: true},
		{method: http.MethodDelete, path: "/registry/register/{unit}", id: "deregisterUnit", summary: "Remove a unit", tag: "registry",
			params: []*openapi3.Parameter{unitParam}, status: 204, errors: []int{401}, secured: true},
		{method: http.MethodGet, path: "/registry/discover/{unit}", id: "discoverUnit", summary: "Address of a healthy unit", tag: "registry",
			params: []*openapi3.Parameter{unitParam}, status: 200, result: "Address", errors: []int{503}},
		{method: http.MethodGet, path: "/registry/units", id: "listUnits", summary: "All registrations", tag: "registry", status: 200, result: "[]Registration"},
		{method: http.MethodPost, path: "/ingest", id: "ingestSpan", summary: "Report a span from a unit", tag: "telemetry",
			body: "Span", status: 202, result: "Status", errors: []int{400}},
		{method: http.MethodGet, path: "/trace", id: "getTrace", summary: "Spans of one trace", tag: "telemetry",
			params: []*openapi3.Parameter{queryParam("trace_id", "Trace id", str(), true)}, status: 200, result: "[]Span", errors: []int{400, 404}},
		{method: http.MethodGet, path: "/metrics", id: "getMetrics", summary: "RED metrics, for one unit or all", tag: "telemetry",
			params: []*openapi3.Parameter{queryParam("unit", "Unit name", str(), false)}, status: 200, result: "RED|[]RED", errors: []int{404}},
		{method: http.MethodPost, path: "/events", id: "publishEvent", summary: "Publish a domain event", tag: "events",
			body: "PublishRequest", status: 202, result: "PublishResult", errors: []int{400}},
		{method: http.MethodGet, path: "/events", id: "listEvents", summary: "Events after a point in time", tag: "events",
			params: []*openapi3.Parameter{
				queryParam("topic", "Event type prefix", str(), false),
				queryParam("since", "Unix seconds, fractions allowed", number(), false),
				queryParam("limit", "Page size, at most 1000", integer(), false),
			}, status: 200, result: "[]Event", errors: []int{400}},
		{method: http.MethodGet, path: "/admin/events/dlq", id: "listDeadLetters", summary: "Dead-lettered events", tag: "admin",
			params: []*openapi3.Parameter{queryParam("limit", "Page size, at most 1000", integer(), false)},
			status: 200, result: "[]DeadLetter", errors: []int{401}, secured: true},
		{method: http.MethodPost, path: "/auth/sessions", id: "issueSession", summary: "Issue a session token", tag: "admin",
			body: "SessionRequest", status: 201, result: "Session", errors: []int{400, 401}, secured: true},
		{method: http.MethodDelete, path: "/auth/sessions", id: "revokeSession", summary: "Revoke the presented session token", tag: "auth",
			status: 204, errors: []int{400}, secured: true},
		{method: http.MethodGet, path: "/admin/tenants", id: "listTenants", summary: "All tenants", tag: "admin",
			status: 200, result: "[]Tenant", errors: []int{401}, secured: true},
		{method: http.MethodGet, path: "/admin/tenants/{id}", id: "getTenant", summary: "One tenant", tag: "admin",
			params: []*openapi3.Parameter{pathParam("id", "Tenant id")}, status: 200, result: "Tenant", errors: []int{401, 404}, secured: true},
		{method: http.MethodPut, path: "/admin/tenants/{id}", id: "putTenant", summary: "Create or replace a tenant", tag: "admin",
			params: []*openapi3.Parameter{pathParam("id", "Tenant id")}, body: "Tenant", status: 200, result: "Tenant", errors: []int{400, 401}, secured: true},
		{method: http.MethodDelete, path: "/admin/tenants/{id}", id: "deleteTenant", summary: "Remove a tenant", tag: "admin",
			params: []*openapi3.Parameter{pathParam("id", "Tenant id")}, status: 204, errors: []int{401, 404}, secured: true},
		{method: http.MethodGet, path: "/admin/breakers", id: "listBreakers", summary: "Circuit breaker states", tag: "admin",
			status: 200, result: "[]Breaker", errors: []int{401}, secured: true},
	}
	for _, m := range proxyOps {
		out = append(out, route{
			method:  m,
			path:    "/proxy/{unit}/{path}",
			id:      "proxy" + m,
			summary: "Forward to a unit",
			tag:     "proxy",
			params: []*openapi3.Parameter{
				unitParam,
				pathParam("path", "Remaining path, may contain slashes"),
				openapi3.NewHeaderParameter("X-Tenant-ID").WithSchema(str()),
				openapi3.NewHeaderParameter("X-Request-ID").WithDescription("Required for mutating methods").WithSchema(str()),
			},
			status:  200,
			result:  "",
			errors:  []int{400, 401, 403, 409, 429, 502, 503},
			secured: true,
		})
	}
	return out
}

// Document builds the OpenAPI description of the control plane API.
func Document(serverURL string) *openapi3.T {
	defs := schemas()
	comps := openapi3.NewComponents()
	comps.Schemas = openapi3.Schemas{}
	for name, s := range defs {
		comps.Schemas[name] = openapi3.NewSchemaRef("", s)
	}
	comps.SecuritySchemes = openapi3.SecuritySchemes{
		bearerAuth: &openapi3.SecuritySchemeRef{Value: openapi3.NewJWTSecurityScheme()},
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Platform Control Plane",
			Version:     "1.0.0",
			Description: "Routing, admission, circuit breaking, governance and event choreography for platform units.",
		},
		Paths:      openapi3.NewPaths(),
		Components: &comps,
	}
	if serverURL != "" {
		doc.Servers = openapi3.Servers{{URL: serverURL}}
	}

	errResp := openapi3.NewResponse().WithDescription("Error envelope").
		WithContent(openapi3.NewContentWithJSONSchemaRef(ref("Error", defs["Error"])))
	secured := openapi3.NewSecurityRequirements().With(openapi3.NewSecurityRequirement().Authenticate(bearerAuth))

	for _, rt := range routes() {
		op := openapi3.NewOperation()
		op.OperationID = rt.id
		op.Summary = rt.summary
		op.Tags = []string{rt.tag}
		for _, p := range rt.params {
			op.AddParameter(p)
		}
		if rt.body != "" {
			op.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().WithRequired(true).
				WithContent(openapi3.NewContentWithJSONSchemaRef(ref(rt.body, defs[rt.body])))}
		}
		ok := openapi3.NewResponse().WithDescription(http.StatusText(rt.status))
		if rt.result != "" {
			ok.WithContent(openapi3.NewContentWithJSONSchemaRef(resultSchema(rt.result, defs)))
		}
		responses := openapi3.NewResponses(openapi3.WithStatus(rt.status, &openapi3.ResponseRef{Value: ok}))
		for _, code := range rt.errors {
			responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{Value: errResp})
		}
		op.Responses = responses
		if rt.secured {
			op.Security = secured
		}

		item := doc.Paths.Value(rt.path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(rt.path, item)
		}
		item.SetOperation(rt.method, op)
	}
	return doc
}

func resultSchema(name string, defs map[string]*openapi3.Schema) *openapi3.SchemaRef {
	if alts := strings.Split(name, "|"); len(alts) > 1 {
		one := &openapi3.Schema{}
		for _, alt := range alts {
			one.OneOf = append(one.OneOf, resultSchema(alt, defs))
		}
		return openapi3.NewSchemaRef("", one)
	}
	if elem, ok := strings.CutPrefix(name, "[]"); ok {
		arr := openapi3.NewArraySchema()
		arr.Items = ref(elem, defs[elem])
		return openapi3.NewSchemaRef("", arr)
	}
	return ref(name, defs[name])
}
