package choreography

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mingxin1a/paas-platform-sub000/internal/config"
	"github.com/mingxin1a/paas-platform-sub000/internal/eventbus"
)

// EventType is the closed set of events that drive the order fulfilment flow.
type EventType string

const (
	OrderCreated           EventType = "order.created"
	ProductionOrderCreated EventType = "production_order.created"
	GoodsPicked            EventType = "goods.picked"
	ShipmentCreated        EventType = "shipment.created"
	DeliveryConfirmed      EventType = "delivery.confirmed"
)

var (
	errUnhandled = errors.New("choreography: event type has no workflow")
	errMalformed = errors.New("choreography: malformed payload")
)

// step is one downstream call made on behalf of an event.
type step struct {
	Name   string
	Unit   string
	Method string
	Path   string
	Body   map[string]any
}

// payload is the decoded event data. Every workflow event carries an order id.
type payload struct {
	fields   map[string]any
	orderID  string
	tenantID string
}

func decodePayload(raw json.RawMessage) (payload, error) {
	var fields map[string]any
	if len(raw) == 0 {
		return payload{}, fmt.Errorf("%w: data is empty", errMalformed)
	}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return payload{}, fmt.Errorf("%w: data must be a JSON object", errMalformed)
	}
	orderID, _ := fields["order_id"].(string)
	if strings.TrimSpace(orderID) == "" {
		return payload{}, fmt.Errorf("%w: order_id is required", errMalformed)
	}
	tenantID, _ := fields["tenant_id"].(string)
	return payload{fields: fields, orderID: orderID, tenantID: tenantID}, nil
}

// withSource copies the payload and tags it with the triggering event.
func (p payload) withSource(evt eventbus.Event) map[string]any {
	body := make(map[string]any, len(p.fields)+1)
	for k, v := range p.fields {
		body[k] = v
	}
	body["source_event_id"] = evt.ID
	return body
}

func statusUpdate(units config.WorkflowUnits, p payload, status string) step {
	return step{
		Name:   "erp-status-" + status,
		Unit:   units.ERP,
		Method: http.MethodPatch,
		Path:   "/orders/" + url.PathEscape(p.orderID) + "/status",
		Body:   map[string]any{"status": status},
	}
}

// plan maps an event onto the calls that advance its workflow.
func plan(units config.WorkflowUnits, evt eventbus.Event) ([]step, payload, error) {
	typ := EventType(evt.Type)
	switch typ {
	case OrderCreated, ProductionOrderCreated, GoodsPicked, ShipmentCreated, DeliveryConfirmed:
	default:
		return nil, payload{}, errUnhandled
	}
	p, err := decodePayload(evt.Payload)
	if err != nil {
		return nil, payload{}, err
	}

	switch typ {
	case OrderCreated:
		return []step{{
			Name: "mes-production-order", Unit: units.MES, Method: http.MethodPost,
			Path: "/production-orders", Body: p.withSource(evt),
		}}, p, nil
	case ProductionOrderCreated:
		return []step{{
			Name: "wms-picking-task", Unit: units.WMS, Method: http.MethodPost,
			Path: "/picking-tasks", Body: p.withSource(evt),
		}}, p, nil
	case GoodsPicked:
		return []step{{
			Name: "tms-shipment", Unit: units.TMS, Method: http.MethodPost,
			Path: "/shipments", Body: p.withSource(evt),
		}}, p, nil
	case ShipmentCreated:
		return []step{statusUpdate(units, p, "shipped")}, p, nil
	case DeliveryConfirmed:
		return []step{
			statusUpdate(units, p, "delivered"),
			{
				Name: "fms-receivable", Unit: units.FMS, Method: http.MethodPost,
				Path: "/receivables", Body: p.withSource(evt),
			},
		}, p, nil
	default:
		return nil, payload{}, errUnhandled
	}
}
