package web

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-realtalk/pkg/history"
	"github.com/teslashibe/go-realtalk/pkg/hub"
	"github.com/teslashibe/go-realtalk/pkg/turn"
)

// KindSnapshot is the kind of the first message on /ws/events.
const KindSnapshot = "snapshot"

// SnapshotMessage greets a websocket client with the current view.
type SnapshotMessage struct {
	Kind string `json:"kind"`
	turn.Snapshot
}

// ConversationResponse reports the active conversation after a command.
type ConversationResponse struct {
	ConversationID int64 `json:"conversation_id"`
}

// handleError maps command errors to status codes.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, turn.ErrBusy):
		code = fiber.StatusConflict
	case errors.Is(err, turn.ErrInvalidConversation):
		code = fiber.StatusBadRequest
	case errors.Is(err, turn.ErrStopped):
		code = fiber.StatusServiceUnavailable
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// handleState returns the orchestrator snapshot
func (s *Server) handleState(c *fiber.Ctx) error {
	snap, err := s.ctrl.Snapshot(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

// handleTalk toggles capture
func (s *Server) handleTalk(c *fiber.Ctx) error {
	if err := s.ctrl.Tap(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	list, err := s.ctrl.Conversations(c.UserContext())
	if err != nil {
		return err
	}
	if list == nil {
		list = []history.Summary{}
	}
	return c.JSON(list)
}

func (s *Server) handleNewConversation(c *fiber.Ctx) error {
	id, err := s.ctrl.NewConversation(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(ConversationResponse{ConversationID: id})
}

func (s *Server) handleSelectConversation(c *fiber.Ctx) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	if err := s.ctrl.SelectConversation(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(ConversationResponse{ConversationID: id})
}

func (s *Server) handleDeleteActive(c *fiber.Ctx) error {
	if err := s.ctrl.DeleteActiveConversation(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDeleteConversation(c *fiber.Ctx) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	if err := s.ctrl.DeleteConversation(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func conversationID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid conversation id")
	}
	return id, nil
}

// handleEventsWS streams orchestrator events, starting with a snapshot.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	var initial []hub.Message
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	snap, err := s.ctrl.Snapshot(ctx)
	cancel()
	if err != nil {
		s.logger.Warn("snapshot for new client failed", "error", err)
	} else if msg, err := hub.NewJSONMessage(SnapshotMessage{Kind: KindSnapshot, Snapshot: snap}); err == nil {
		initial = append(initial, msg)
	}

	client := hub.NewClient(s.events, c, initial...)
	if client == nil {
		return
	}
	client.Run() // Blocks until connection closes
}
