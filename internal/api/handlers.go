package api

import (
	"net/http"
	"strconv"
	"time"

	"loadiq/internal/detection"
	"loadiq/internal/types"
)

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	SessionID     string             `json:"session_id"`
	WindowStart   time.Time          `json:"window_start"`
	WindowEnd     time.Time          `json:"window_end"`
	IsActive      bool               `json:"is_active"`
	CurrentPowerW float64            `json:"current_power_w"`
	AvgRuntimeMin float64            `json:"avg_runtime_min"`
	SegmentCount  int                `json:"segment_count"`
	LabelCount    int                `json:"label_count"`
	ActiveSegment *detection.Segment `json:"active_segment"`
}

// LabelRequest is the body of POST /v1/labels.
type LabelRequest struct {
	Start string `json:"start" validate:"required"`
	Label string `json:"label" validate:"required,label"`
}

func (s *Server) lastResult(w http.ResponseWriter, r *http.Request) bool {
	if s.session.Last() == nil {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundResult, "no refresh has completed yet", nil))
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.lastResult(w, r) {
		return
	}
	last := s.session.Last()
	JSON(w, r, http.StatusOK, APIResponse{Data: StatusResponse{
		SessionID:     s.session.ID(),
		WindowStart:   last.WindowStart,
		WindowEnd:     last.WindowEnd,
		IsActive:      last.IsActive,
		CurrentPowerW: last.CurrentPowerW,
		AvgRuntimeMin: last.AvgRuntimeMin,
		SegmentCount:  len(last.Segments),
		LabelCount:    last.LabelCount,
		ActiveSegment: last.ActiveSegment,
	}})
}

// handleSegments lists the closed segments of the last result. Query
// parameters: class filters by classification, include_pending=true appends
// the live run.
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	if !s.lastResult(w, r) {
		return
	}
	last := s.session.Last()

	q := r.URL.Query()
	class := types.Classification(q.Get("class"))
	switch class {
	case "", types.ClassHeatpump, types.ClassOther, types.ClassUncertain, types.ClassUnknown:
	default:
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
			"class must be heatpump, other, uncertain or unknown", nil,
			map[string]any{"field": "class", "value": string(class)}))
		return
	}
	includePending := false
	if v := q.Get("include_pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
				"include_pending must be a boolean", err,
				map[string]any{"field": "include_pending", "value": v}))
			return
		}
		includePending = b
	}

	segs := last.Segments
	if includePending {
		segs = last.All()
	}
	out := make([]detection.Segment, 0, len(segs))
	for _, seg := range segs {
		if class == "" || seg.Classification == class {
			out = append(out, seg)
		}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: out})
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	if s.labels == nil {
		Error(w, r, types.NewAppError(types.ErrCodeStoreFailure, "no label store configured", nil))
		return
	}
	recs, err := s.labels.List(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to list labels", "error", err)
		Error(w, r, err)
		return
	}
	if recs == nil {
		recs = []types.LabelRecord{}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: recs})
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	var req LabelRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		Error(w, r, err)
		return
	}
	start, err := time.Parse(time.RFC3339Nano, req.Start)
	if err != nil {
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTime,
			"start must be an RFC 3339 timestamp", err,
			map[string]any{"field": "start", "value": req.Start}))
		return
	}

	rec, err := s.session.Label(r.Context(), start, types.Label(req.Label))
	if err != nil {
		if types.IsClass(err, "store") {
			s.logger.ErrorContext(r.Context(), "failed to store label", "error", err)
		}
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusCreated, APIResponse{Data: rec})
}
