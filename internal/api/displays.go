package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/hwcomposer/internal/api/models"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/compositor"
)

func (s *Server) registerDisplayRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-displays",
		Method:      http.MethodGet,
		Path:        "/api/displays",
		Summary:     "List Displays",
		Description: "Get the state of every display, including the planes of the frame on screen",
		Tags:        []string{"displays"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.DisplayListResponse, error) {
		displays := s.displays.Status()
		return &models.DisplayListResponse{
			Body: models.DisplayListData{Displays: displays, Count: len(displays)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-display",
		Method:      http.MethodGet,
		Path:        "/api/displays/{display}",
		Summary:     "Get Display",
		Description: "Get the state of one display",
		Tags:        []string{"displays"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.DisplayInput) (*models.DisplayResponse, error) {
		status, err := s.displays.DisplayStatus(input.Display)
		if err != nil {
			return nil, mapDisplayError(err)
		}
		return &models.DisplayResponse{Body: status}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "set-display-dpms",
		Method:        http.MethodPut,
		Path:          "/api/displays/{display}/dpms",
		Summary:       "Set Display Power",
		Description:   "Queue a DPMS change. Frames queued while a display is off are rejected.",
		Tags:          []string{"displays"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{400, 401, 404, 409, 422},
		Security:      withAuth(),
	}, func(_ context.Context, input *models.DPMSRequest) (*models.AcceptedResponse, error) {
		if err := s.displays.SetDPMS(input.Display, input.Body.Mode == "on"); err != nil {
			return nil, mapDisplayError(err)
		}
		s.logger.Info("DPMS change queued", "display", input.Display, "mode", input.Body.Mode)
		return accepted(input.Display, "dpms "+input.Body.Mode+" queued"), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "set-display-mode",
		Method:        http.MethodPut,
		Path:          "/api/displays/{display}/mode",
		Summary:       "Set Display Mode",
		Description:   "Queue a modeset. The mode takes effect with the next committed frame.",
		Tags:          []string{"displays"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{400, 401, 404, 409, 422},
		Security:      withAuth(),
	}, func(_ context.Context, input *models.ModeRequest) (*models.AcceptedResponse, error) {
		if err := s.displays.SetMode(input.Display, input.Body.Mode); err != nil {
			return nil, mapDisplayError(err)
		}
		s.logger.Info("Modeset queued", "display", input.Display, "mode", input.Body.Mode)
		return accepted(input.Display, "mode "+input.Body.Mode+" queued"), nil
	})
}

func (s *Server) registerSettingsRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/api/settings",
		Summary:     "Get Settings",
		Description: "Get the runtime compositor toggles",
		Tags:        []string{"settings"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.SettingsResponse, error) {
		return s.settings(), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPatch,
		Path:        "/api/settings",
		Summary:     "Update Settings",
		Description: "Change runtime compositor toggles. Omitted fields are left alone. Changes last until the next config reload.",
		Tags:        []string{"settings"},
		Errors:      []int{400, 401},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.SettingsRequest) (*models.SettingsResponse, error) {
		if v := input.Body.UseOverlayPlanes; v != nil {
			s.displays.SetUseOverlayPlanes(*v)
		}
		if v := input.Body.UseFramebufferCache; v != nil {
			s.displays.SetUseFramebufferCache(*v)
		}
		return s.settings(), nil
	})
}

func (s *Server) settings() *models.SettingsResponse {
	return &models.SettingsResponse{
		Body: models.SettingsData{
			UseOverlayPlanes:    s.displays.UseOverlayPlanes(),
			UseFramebufferCache: s.displays.UseFramebufferCache(),
		},
	}
}

func accepted(display int, msg string) *models.AcceptedResponse {
	return &models.AcceptedResponse{Body: models.AcceptedData{Display: display, Message: msg}}
}

// mapDisplayError maps compositor errors to HTTP status codes.
func mapDisplayError(err error) error {
	switch {
	case errors.Is(err, compositor.ErrUnknownDisplay):
		return huma.Error404NotFound(err.Error(), err)
	case errors.Is(err, compositor.ErrUnknownMode), composition.IsCode(err, composition.CodeConfiguration):
		return huma.Error400BadRequest(err.Error(), err)
	case composition.IsCode(err, composition.CodeInvalidState):
		return huma.Error409Conflict(err.Error(), err)
	default:
		return huma.Error500InternalServerError(fmt.Sprintf("display operation failed: %v", err), err)
	}
}
