package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (inst *Instance) setupRoutes() {
	inst.echo.GET("/json/version", inst.handleJSONVersion, inst.AuthMiddleware())
	inst.echo.GET("/json/list", inst.handleJSONList, inst.AuthMiddleware())
	inst.echo.POST("/json/attach/:id", inst.handleJSONAttach, inst.AuthMiddleware())
	inst.echo.GET("/extension", inst.handleExtensionUpgrade)
	inst.echo.GET("/cdp", inst.handleCDPUpgrade, inst.AuthMiddleware())
}

// handleJSONVersion mirrors Chrome's own /json/version so tooling that
// probes for a devtools-protocol-compatible endpoint recognizes this relay.
// Unlike the real Chrome endpoint it is bearer-gated like the rest of the
// JSON surface (spec.md §6), since it is how a token-holding client
// discovers webSocketDebuggerUrl in the first place. webSocketDebuggerUrl
// is only present once an extension is connected — without one there is
// nothing on the other end of /cdp to drive (spec.md §4.6).
func (inst *Instance) handleJSONVersion(c echo.Context) error {
	body := map[string]interface{}{
		"Browser":          "cdprelay/1.0",
		"Protocol-Version": "1.3",
	}
	if inst.link.isConnected() {
		body["webSocketDebuggerUrl"] = inst.wsURLWithToken(c, "/cdp")
	}
	return c.JSON(http.StatusOK, body)
}

// handleJSONList reports one row per attached target and one per
// discovered-but-unattached tab. Only attached rows carry a
// webSocketDebuggerUrl, since only they have a live sessionId to address.
func (inst *Instance) handleJSONList(c echo.Context) error {
	attached, discovered := inst.registry.list()
	rows := make([]map[string]interface{}, 0, len(attached)+len(discovered))

	for _, t := range attached {
		rows = append(rows, map[string]interface{}{
			"id":                   string(t.TargetID),
			"type":                 t.Type,
			"title":                t.Title,
			"url":                  t.URL,
			"webSocketDebuggerUrl": inst.wsURLWithToken(c, "/cdp") + "&sessionId=" + string(t.SessionID),
		})
	}
	for _, d := range discovered {
		rows = append(rows, map[string]interface{}{
			"id":    d.SyntheticTargetID(),
			"type":  "page",
			"title": d.Title,
			"url":   d.URL,
		})
	}
	return c.JSON(http.StatusOK, rows)
}

// handleJSONAttach is the driver-initiated attach entry point: POST
// /json/attach/<id> where id is a synthetic "dtab-<tabId>" id for a
// discovered tab. Any other id, including a real targetId already known to
// the registry, is answered with 400.
func (inst *Instance) handleJSONAttach(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeRelayError(c, newError(KindBadRequest, "missing target id"))
	}

	if !inst.link.isConnected() {
		return writeRelayError(c, newError(KindExtensionUnavailable, "no extension connected"))
	}

	pa, err := inst.router.attachDiscoveredTab(id)
	if err != nil {
		return writeRelayError(c, err)
	}

	timer := time.NewTimer(attachTimeout)
	defer timer.Stop()
	t, waitErr := pa.wait(timer.C)
	if waitErr != nil {
		relayErr, ok := waitErr.(*Error)
		if !ok {
			relayErr = newError(KindBadRequest, "%v", waitErr)
		}
		return writeRelayError(c, relayErr)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"targetId":  string(t.TargetID),
		"sessionId": string(t.SessionID),
	})
}

func (inst *Instance) handleExtensionUpgrade(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	return inst.link.attach(conn)
}

func (inst *Instance) handleCDPUpgrade(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := inst.hub.add(conn)
	defer inst.hub.remove(client.id)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		inst.router.handleClientFrame(client.id, data)
	}
}

func (inst *Instance) wsURL(c echo.Context, path string) string {
	scheme := "ws"
	if c.Request().TLS != nil {
		scheme = "wss"
	}
	host := c.Request().Host
	if host == "" {
		host = fmt.Sprintf("%s:%d", inst.cfg.Host, inst.cfg.Port)
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

// wsURLWithToken builds a /cdp URL carrying the instance's bearer token as
// a ?token= query parameter, so a client that discovered this URL through
// the authenticated HTTP surface can open the WebSocket upgrade without
// being able to set an Authorization header (spec.md §6).
func (inst *Instance) wsURLWithToken(c echo.Context, path string) string {
	return inst.wsURL(c, path) + "?token=" + inst.token
}

// writeRelayError renders a *Error as the JSON body the HTTP surface uses
// for all failures: {"error":{"code":...,"message":...}}.
func writeRelayError(c echo.Context, err *Error) error {
	return c.JSON(err.httpStatus(), map[string]interface{}{
		"error": err.toCDPError(),
	})
}
