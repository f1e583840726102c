package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/service"
)

const tokenTTL = 24 * time.Hour

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// handleToken issues a bearer for a user id, minting a fresh id when none
// is given. Identity is established upstream; this endpoint only converts
// it into a signed token. System tokens are never issued here.
func (s *Server) handleToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	userID := uuid.Must(uuid.NewV4())
	if req.UserID != "" {
		var err error
		if userID, err = uuid.FromString(req.UserID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id must be a uuid")
		}
	}
	tok, err := IssueToken(s.signKey, userID.String(), tokenTTL)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: tok, UserID: userID.String()})
}

type keygenResponse struct {
	Key      string `json:"key"`
	Fallback bool   `json:"fallback"`
}

func (s *Server) handleKeygen(c echo.Context) error {
	key, err := s.keys.Generate(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, keygenResponse{Key: key.Value, Fallback: key.Fallback})
}

type createSessionRequest struct {
	Name          string `json:"name"`
	DurationMin   int    `json:"duration_min"`
	SecurityLevel string `json:"security_level"`
	Authenticity  string `json:"authenticity"`
}

type sessionResponse struct {
	Session      feed.SessionRow       `json:"session"`
	Participants []feed.ParticipantRow `json:"participants,omitempty"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	id := callerIdentity(c)
	if id.system {
		return echo.NewHTTPError(http.StatusForbidden, "system identity cannot create sessions")
	}
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}

	sess, err := s.sessions.Create(c.Request().Context(), service.CreateParams{
		Name:          req.Name,
		CreatorID:     id.userID,
		DurationMin:   req.DurationMin,
		SecurityLevel: model.SecurityLevel(req.SecurityLevel),
		Authenticity:  model.AuthenticityPolicy(req.Authenticity),
	})
	if err != nil {
		if strings.HasPrefix(err.Error(), "validation:") {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return toHTTPError(err)
	}

	// Scheduler lives past this request.
	s.sched.StartFor(context.Background(), sess.ID, sess.SecurityLevel, sess.SessionKey)
	return c.JSON(http.StatusCreated, sessionResponse{Session: feed.SessionRowFrom(sess)})
}

type joinSessionRequest struct {
	Key        string          `json:"key"`
	DeviceInfo json.RawMessage `json:"device_info,omitempty"`
}

func (s *Server) handleJoinSession(c echo.Context) error {
	id := callerIdentity(c)
	var req joinSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}

	sess, err := s.sessions.Join(c.Request().Context(), service.JoinParams{
		Key:        strings.ToUpper(strings.TrimSpace(req.Key)),
		UserID:     id.userID,
		RemoteIP:   c.RealIP(),
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		s.countJoinDenied(err)
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sessionResponse{Session: feed.SessionRowFrom(sess)})
}

func (s *Server) handleGetSession(c echo.Context) error {
	sessionID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	sess, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}
	parts, err := s.sessions.Participants(c.Request().Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}
	rows := make([]feed.ParticipantRow, len(parts))
	for i, p := range parts {
		rows[i] = feed.ParticipantRow{
			SessionID: p.SessionID, UserID: p.UserID,
			IsCreator: p.IsCreator, JoinedAt: p.JoinedAt,
		}
	}
	return c.JSON(http.StatusOK, sessionResponse{Session: feed.SessionRowFrom(sess), Participants: rows})
}

func (s *Server) handleListMessages(c echo.Context) error {
	sessionID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	msgs, err := s.sessions.Messages(c.Request().Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}
	rows := make([]feed.MessageRow, len(msgs))
	for i := range msgs {
		rows[i] = feed.MessageRowFrom(&msgs[i])
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": rows})
}

type sendMessageRequest struct {
	Content  string `json:"content"`
	ChatMode string `json:"chat_mode"`
}

func (s *Server) handleSendMessage(c echo.Context) error {
	id := callerIdentity(c)
	sessionID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	msg, err := s.sessions.SendMessage(c.Request().Context(), sessionID, id.userID,
		req.Content, model.ChatMode(req.ChatMode))
	if err != nil {
		return toHTTPError(err)
	}
	s.metrics.messagessent.Inc()
	return c.JSON(http.StatusCreated, feed.MessageRowFrom(msg))
}

func (s *Server) handleMarkRead(c echo.Context) error {
	id := callerIdentity(c)
	messageID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	if err := s.sessions.MarkRead(c.Request().Context(), messageID, id.userID); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMarkDelivered(c echo.Context) error {
	id := callerIdentity(c)
	messageID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	if err := s.sessions.MarkDelivered(c.Request().Context(), messageID, id.userID); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(c echo.Context) error {
	messageID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	if err := s.sessions.DeleteMessage(c.Request().Context(), messageID); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (s *Server) handleTyping(c echo.Context) error {
	id := callerIdentity(c)
	sessionID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	var req typingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if err := s.sessions.SetTyping(c.Request().Context(), sessionID, id.userID, req.IsTyping); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type sessionControlRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

type sessionControlResponse struct {
	NewKey    string `json:"new_key,omitempty"`
	Destroyed int    `json:"destroyed,omitempty"`
}

// handleSessionControl multiplexes the management actions: rotate-key,
// destroy-session, and check-expired.
func (s *Server) handleSessionControl(c echo.Context) error {
	id := callerIdentity(c)
	var req sessionControlRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}

	switch req.Action {
	case "rotate-key":
		sessionID, err := uuid.FromString(req.SessionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "session_id must be a uuid")
		}
		ev, err := s.rotation.Rotate(c.Request().Context(), sessionID, "manual")
		if err != nil {
			return toHTTPError(err)
		}
		s.sched.Resync(sessionID, ev.NewKey)
		s.metrics.rotations.WithLabelValues("manual").Inc()
		return c.JSON(http.StatusOK, sessionControlResponse{NewKey: ev.NewKey})

	case "destroy-session":
		sessionID, err := uuid.FromString(req.SessionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "session_id must be a uuid")
		}
		if err := s.lifecycle.Destroy(c.Request().Context(), sessionID, id.userID); err != nil {
			return toHTTPError(err)
		}
		s.metrics.destroyed.WithLabelValues("creator").Inc()
		return c.NoContent(http.StatusNoContent)

	case "check-expired":
		if !id.system {
			return echo.NewHTTPError(http.StatusForbidden, "check-expired requires the system identity")
		}
		n, err := s.lifecycle.CheckExpired(c.Request().Context())
		if err != nil {
			return toHTTPError(err)
		}
		s.metrics.destroyed.WithLabelValues("expiry").Add(float64(n))
		return c.JSON(http.StatusOK, sessionControlResponse{Destroyed: n})

	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown action")
	}
}

type intrusionReportRequest struct {
	SessionID  string          `json:"session_id"`
	Reason     string          `json:"reason"`
	DeviceInfo json.RawMessage `json:"device_info,omitempty"`
}

type intrusionReportResponse struct {
	Blocked    bool   `json:"blocked"`
	Assessment string `json:"assessment,omitempty"`
}

// handleIntrusionReport runs the full intrusion response. The rotated key
// is intentionally absent from the response; the reporting client is the
// suspicious party.
func (s *Server) handleIntrusionReport(c echo.Context) error {
	id := callerIdentity(c)
	var req intrusionReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	sessionID := uuid.Nil
	if req.SessionID != "" {
		var err error
		if sessionID, err = uuid.FromString(req.SessionID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "session_id must be a uuid")
		}
	}
	var by *uuid.UUID
	if !id.system && id.userID != uuid.Nil {
		by = &id.userID
	}

	res, err := s.intrusion.HandleUnauthorizedAttempt(c.Request().Context(),
		sessionID, by, req.Reason, req.DeviceInfo)
	if err != nil {
		s.log.Error("intrusion response", zap.Error(err))
		return toHTTPError(err)
	}
	s.metrics.intrusions.Inc()
	if res.NewKey != "" {
		s.metrics.rotations.WithLabelValues("intrusion").Inc()
	}
	return c.JSON(http.StatusOK, intrusionReportResponse{
		Blocked:    res.Blocked,
		Assessment: res.Assessment,
	})
}
