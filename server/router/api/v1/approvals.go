package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/lumichat/agentd/ai/approval"
)

type resolveApprovalRequest struct {
	Approved bool `json:"approved"`
}

// resolveApproval approves or rejects a pending tool call. Only the
// user whose trigger created the run may resolve it.
func (s *APIV1Service) resolveApproval(c echo.Context) error {
	approvalID := c.Param("approvalId")
	request := &resolveApprovalRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	err := s.Approvals.Resolve(approvalID, request.Approved, currentUserID(c))
	switch {
	case err == nil:
	case errors.Is(err, approval.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "approval not found")
	case errors.Is(err, approval.ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, "approval belongs to another user")
	case errors.Is(err, approval.ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, "approval already resolved")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve approval")
	}

	status := approval.StatusRejected
	if request.Approved {
		status = approval.StatusApproved
	}
	return c.JSON(http.StatusOK, map[string]any{
		"approval_id": approvalID,
		"status":      string(status),
	})
}
