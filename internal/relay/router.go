package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/relaywire/internal/logger"
	"github.com/ehrlich-b/relaywire/internal/ws"
)

// connRole is the tagged variant a transport latches into on its first
// successful registration. It never transitions afterward.
type connRole int

const (
	roleUnassigned connRole = iota
	roleHost
	roleController
)

// conn is the per-connection state owned by the single goroutine reading
// that transport — no locking needed here, only when touching the shared
// Registry/Auth/Sessions/Transfers tables.
type conn struct {
	s *Server
	t *Transport
	ip string

	role      connRole
	password  string
	sessionID string // signed token, once attached
	device    ws.DeviceInfo
}

// handleWS is the single WebSocket entrypoint: accept, then read frames
// until the connection drops, dispatching each by its "type" field.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	wsConn.SetReadLimit(10 << 20) // 10 MiB per spec §6

	t := NewTransport(wsConn)
	s.trackTransport(t)
	defer s.untrackTransport(t)
	defer wsConn.CloseNow()

	c := &conn{s: s, t: t, ip: clientIP(r)}
	ctx := r.Context()

	defer c.cleanup(ctx)

	for {
		data, err := t.Read(ctx)
		if err != nil {
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *conn) dispatch(ctx context.Context, data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Debug("malformed frame dropped", "ip", c.ip)
		return
	}
	if c.s.Metrics != nil {
		c.s.Metrics.MessagesRouted.WithLabelValues(env.Type).Inc()
	}

	switch env.Type {
	case ws.TypePing:
		c.t.Send(ctx, ws.Envelope{Type: ws.TypePong})

	case ws.TypePong:
		c.t.MarkAlive()

	case ws.TypeRegisterComputer:
		c.handleRegisterComputer(ctx, data)

	case ws.TypeConnectToComputer:
		c.handleConnectToComputer(ctx, data)

	case ws.TypeAutoLogin:
		c.handleAutoLogin(ctx, data)

	case ws.TypeRelay:
		c.handleRelay(ctx, data)

	case ws.TypeScreenshot, ws.TypeResult:
		c.handleHostBroadcast(ctx, data)

	case ws.TypeGetSessions:
		c.handleGetSessions(ctx)

	case ws.TypeKickSession:
		c.handleKickSession(ctx, data)

	case ws.TypeLogout:
		c.handleLogout(ctx)

	case ws.TypeGetSecurityLog:
		c.handleGetSecurityLog(ctx)

	case ws.TypeGetTrustedDevices:
		c.handleGetTrustedDevices(ctx)

	case ws.TypeGetConnectedUsers:
		c.handleGetConnectedUsers(ctx)

	case ws.TypeFileUploadStart:
		c.handleFileUploadStart(ctx, data)

	case ws.TypeFileChunk:
		c.handleFileChunk(ctx, data)

	case ws.TypeFileUploadComplete:
		c.handleFileUploadComplete(ctx, data)

	case ws.TypeFileCancel:
		c.handleFileCancel(ctx, data)

	case ws.TypeFileDownloadRequest, ws.TypeBrowseFiles, ws.TypeFileOperation,
		ws.TypeStartFileWatcher, ws.TypeStopFileWatcher, ws.TypeGetWatchedFolders:
		c.handleForwardedFileRequest(ctx, env.Type, data)

	case ws.TypeFileDownloadResponse, ws.TypeBrowseResultRelay, ws.TypeFileOperationResult,
		ws.TypeWatcherResult, ws.TypeWatchedFolders:
		c.handleDirectedHostResponse(ctx, env.Type, data)

	case ws.TypeFileChangeEvent:
		c.handleFileChangeEvent(ctx, data)

	default:
		logger.Debug("unrecognized message type dropped", "type", env.Type)
	}
}

// --- §4.A registration / attach -------------------------------------------

func (c *conn) handleRegisterComputer(ctx context.Context, data []byte) {
	var msg ws.RegisterComputer
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !ValidatePasswordFormat(msg.Password) {
		c.sendError(ctx, "Invalid password format")
		return
	}

	replaced, orphaned := c.s.Registry.RegisterHost(msg.Password, msg.Info, c.t)
	if replaced != nil {
		replaced.Send(ctx, ws.Replaced{Type: ws.TypeReplaced, Message: "Another computer connected with same password"})
		replaced.Close(websocket.StatusNormalClosure, "replaced")
	}
	for _, ct := range orphaned {
		ct.Send(ctx, ws.ComputerDisconnected{Type: ws.TypeComputerDisconnected})
	}

	c.role = roleHost
	c.password = msg.Password
	c.s.Auth.LogSecurityEvent("HOST_REGISTERED", msg.Password, c.ip)
	c.t.Send(ctx, ws.Registered{Type: ws.TypeRegistered, Success: true})
}

func (c *conn) handleConnectToComputer(ctx context.Context, data []byte) {
	var msg ws.ConnectToComputer
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if !ValidatePasswordFormat(msg.Password) {
		c.sendError(ctx, "Invalid password format")
		return
	}
	if locked, remaining := c.s.Auth.CheckLockout(msg.Password); locked {
		c.sendErrorf(ctx, "Too many attempts. Try again in %d minutes", remaining)
		return
	}
	if !c.s.Registry.HostExists(msg.Password) {
		c.s.Auth.RecordFailedAttempt(msg.Password)
		c.sendError(ctx, "Computer not found or offline")
		return
	}

	c.s.Auth.ClearFailedAttempts(msg.Password)
	c.attachController(ctx, msg.Password, msg.DeviceInfo, msg.TrustDevice)
}

func (c *conn) handleAutoLogin(ctx context.Context, data []byte) {
	var msg ws.AutoLogin
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	valid, reason := c.s.Auth.ValidateTrustedDevice(msg.Password, msg.DeviceID)
	if !valid {
		c.t.Send(ctx, ws.AutoLoginFailed{Type: ws.TypeAutoLoginFailed, Reason: reason})
		return
	}
	if !c.s.Registry.HostExists(msg.Password) {
		c.t.Send(ctx, ws.AutoLoginFailed{Type: ws.TypeAutoLoginFailed, Reason: "Computer not found or offline"})
		return
	}

	c.attachController(ctx, msg.Password, ws.DeviceInfo{Trusted: true}, false)
}

// attachController runs the shared §4.A/§4.C/§4.F path once a password has
// cleared format/lockout/trust checks: create the session, attach to the
// registry, reply, then broadcast presence.
func (c *conn) attachController(ctx context.Context, password string, info ws.DeviceInfo, trustDevice bool) {
	token, expiresIn, evicted, err := c.s.Sessions.Create(password, info, c.t)
	if err != nil {
		c.sendError(ctx, "Session creation failed")
		return
	}

	c.s.Registry.AttachController(password, c.t, token, info)
	c.role = roleController
	c.password = password
	c.sessionID = token
	c.device = info

	var deviceID string
	if trustDevice {
		deviceID = c.s.Auth.RegisterTrustedDevice(password, info)
	}

	c.t.Send(ctx, ws.Connected{
		Type:      ws.TypeConnected,
		SessionID: token,
		DeviceID:  deviceID,
		ExpiresIn: expiresIn,
	})
	c.s.Auth.LogSecurityEvent("CONTROLLER_ATTACHED", password, c.ip)

	if evicted != nil {
		c.s.Registry.RemoveControllerByTransport(password, evicted.Transport)
		evicted.Transport.Send(ctx, ws.SessionExpired{
			Type:    ws.TypeSessionExpired,
			Reason:  "max_sessions_exceeded",
			Message: "Session ended: too many concurrent sessions",
		})
		evicted.Transport.Close(websocket.StatusNormalClosure, "max_sessions_exceeded")
	}

	c.s.broadcastPresence(ctx, password)
}

// --- §4.D relay / broadcast -------------------------------------------------

func (c *conn) handleRelay(ctx context.Context, data []byte) {
	if c.role != roleController {
		return
	}
	var msg ws.Relay
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	sess, ok, expiredTransport := c.s.Sessions.ValidateAndTouch(c.sessionID)
	if !ok {
		c.expireSession(ctx, expiredTransport)
		return
	}

	host, found := c.s.Registry.HostTransport(c.password)
	if !found {
		return // routing failure: silent drop
	}
	host.Send(ctx, ws.Command{Type: ws.TypeCommand, SessionID: sess.ID, Data: msg.Data})
}

func (c *conn) handleHostBroadcast(ctx context.Context, data []byte) {
	if c.role != roleHost {
		return
	}
	for _, cr := range c.s.Registry.ControllersOf(c.password) {
		cr.Transport.SendRaw(ctx, data)
	}
}

func (c *conn) handleFileChangeEvent(ctx context.Context, data []byte) {
	if c.role != roleHost {
		return
	}
	var msg ws.FileChangeEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	msg.Timestamp = nowUnixMilli()
	for _, cr := range c.s.Registry.ControllersOf(c.password) {
		cr.Transport.Send(ctx, msg)
	}
}

func (c *conn) handleForwardedFileRequest(ctx context.Context, typ string, data []byte) {
	if c.role != roleController {
		return
	}
	_, ok, expiredTransport := c.s.Sessions.ValidateAndTouch(c.sessionID)
	if !ok {
		c.expireSession(ctx, expiredTransport)
		return
	}
	host, found := c.s.Registry.HostTransport(c.password)
	if !found {
		return
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return
	}
	generic["requesterId"] = c.sessionID
	generic["command"] = typ
	generic["type"] = ws.TypeFileCommand
	host.Send(ctx, generic)
}

func (c *conn) handleDirectedHostResponse(ctx context.Context, typ string, data []byte) {
	if c.role != roleHost {
		return
	}
	var partial struct {
		RequesterID string `json:"requesterId"`
	}
	if err := json.Unmarshal(data, &partial); err != nil || partial.RequesterID == "" {
		return
	}

	target, found := c.s.Registry.FindControllerBySession(c.password, partial.RequesterID)
	if !found {
		return // requester disconnected: silent drop
	}
	responseType := typ
	if typ == ws.TypeBrowseResultRelay {
		responseType = ws.TypeBrowseResult
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return
	}
	generic["type"] = responseType
	target.SendRaw(ctx, mustMarshal(generic))
}

// --- session / security introspection --------------------------------------

func (c *conn) handleGetSessions(ctx context.Context) {
	if c.role != roleController {
		return
	}
	sessions := c.s.Sessions.ListForPassword(c.password)
	out := make([]ws.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ws.SessionSummary{SessionID: s.ID, DeviceInfo: s.DeviceInfo, CreatedAt: s.CreatedAt.Unix()})
	}
	c.t.Send(ctx, ws.SessionsList{Type: ws.TypeSessionsList, Sessions: out})
}

func (c *conn) handleKickSession(ctx context.Context, data []byte) {
	if c.role != roleController {
		return
	}
	var msg ws.KickSession
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	tr, ok := c.s.Sessions.DestroyByID(msg.SessionID)
	if ok {
		c.s.Registry.RemoveControllerByTransport(c.password, tr)
		tr.Send(ctx, ws.SessionExpired{Type: ws.TypeSessionExpired, Reason: "kicked", Message: "Session ended by another controller"})
		tr.Close(websocket.StatusNormalClosure, "kicked")
		c.s.broadcastPresence(ctx, c.password)
	}
	c.t.Send(ctx, ws.KickResult{Type: ws.TypeKickResult, Success: ok})
}

func (c *conn) handleLogout(ctx context.Context) {
	if c.role != roleController {
		return
	}
	c.s.Sessions.Destroy(c.sessionID)
	c.s.Registry.RemoveControllerByTransport(c.password, c.t)
	c.s.broadcastPresence(ctx, c.password)
}

func (c *conn) handleGetSecurityLog(ctx context.Context) {
	if c.role != roleController {
		return
	}
	c.t.Send(ctx, ws.SecurityLog{Type: ws.TypeSecurityLog, Entries: c.s.Auth.SecurityLog()})
}

func (c *conn) handleGetTrustedDevices(ctx context.Context) {
	if c.role != roleController {
		return
	}
	c.t.Send(ctx, ws.TrustedDevices{Type: ws.TypeTrustedDevices, Devices: c.s.Auth.TrustedDevicesFor(c.password)})
}

func (c *conn) handleGetConnectedUsers(ctx context.Context) {
	if c.role != roleController {
		return
	}
	sessions := c.s.sessionSummaries(c.password)
	c.t.Send(ctx, ws.ConnectedUsers{Type: ws.TypeConnectedUsers, Sessions: sessions, TotalCount: len(sessions)})
}

// --- §4.E file transfer ------------------------------------------------------

func (c *conn) handleFileUploadStart(ctx context.Context, data []byte) {
	if c.role != roleController {
		return
	}
	var msg ws.FileUploadStart
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	transferID, errMsg := c.s.Transfers.Start(c.password, msg.FileName, msg.FileSize, msg.FileType)
	if errMsg != "" {
		c.sendError(ctx, errMsg)
		return
	}
	c.t.Send(ctx, ws.FileUploadReady{Type: ws.TypeFileUploadReady, Success: true, TransferID: transferID})
}

func (c *conn) handleFileChunk(ctx context.Context, data []byte) {
	if c.role != roleController {
		return
	}
	var msg ws.FileChunk
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	progress, speed, ok := c.s.Transfers.Chunk(msg.TransferID, msg.ChunkIndex, msg.Data)
	if !ok {
		return
	}
	c.t.Send(ctx, ws.FileProgress{Type: ws.TypeFileProgress, TransferID: msg.TransferID, Progress: progress, Speed: speed})
}

func (c *conn) handleFileUploadComplete(ctx context.Context, data []byte) {
	if c.role != roleController {
		return
	}
	var msg ws.FileUploadComplete
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	fileData, fileName, fileSize, errMsg, ok := c.s.Transfers.Complete(msg.TransferID)
	if !ok {
		c.sendError(ctx, errMsg)
		return
	}

	if host, found := c.s.Registry.HostTransport(c.password); found {
		host.Send(ctx, ws.FileCommand{
			Type:       ws.TypeFileCommand,
			Command:    "file_receive",
			TransferID: msg.TransferID,
			FileName:   fileName,
			FileSize:   fileSize,
			FileData:   fileData,
		})
	}
	c.t.Send(ctx, ws.FileUploadSuccess{Type: ws.TypeFileUploadSuccess, TransferID: msg.TransferID})
}

func (c *conn) handleFileCancel(ctx context.Context, data []byte) {
	if c.role != roleController {
		return
	}
	var msg ws.FileCancel
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.s.Transfers.Cancel(msg.TransferID)
}

// --- helpers -----------------------------------------------------------------

func (c *conn) expireSession(ctx context.Context, tr *Transport) {
	if tr == nil {
		return
	}
	tr.Send(ctx, ws.SessionExpired{Type: ws.TypeSessionExpired, Reason: "expired", Message: "Session expired"})
	tr.Close(websocket.StatusNormalClosure, "expired")
	c.s.Registry.RemoveControllerByTransport(c.password, tr)
}

func (c *conn) sendError(ctx context.Context, message string) {
	c.t.Send(ctx, ws.ErrorMsg{Type: ws.TypeError, Message: message})
}

func (c *conn) sendErrorf(ctx context.Context, format string, args ...any) {
	c.sendError(ctx, fmt.Sprintf(format, args...))
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// cleanup runs the §4.A Detach path for whichever role this connection
// latched into, once its read loop exits.
func (c *conn) cleanup(ctx context.Context) {
	switch c.role {
	case roleHost:
		controllers, ok := c.s.Registry.DetachHost(c.t)
		if !ok {
			return
		}
		for _, ct := range controllers {
			ct.Send(ctx, ws.ComputerDisconnected{Type: ws.TypeComputerDisconnected})
		}
	case roleController:
		password, sessionID, ok := c.s.Registry.DetachController(c.t)
		if !ok {
			return
		}
		c.s.Sessions.Destroy(sessionID)
		c.s.broadcastPresence(ctx, password)
	}
}
