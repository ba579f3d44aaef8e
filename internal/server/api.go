package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"edgecache/internal/revalidate"
)

type revalidateBody struct {
	Paths        []string `json:"paths" validate:"required,min=1,dive,required"`
	CacheSegment string   `json:"cacheSegment,omitempty" validate:"omitempty,max=512"`
}

type apiResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Service) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.logger.Warn("revalidate rejected", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, apiResponse{Error: "unauthorized"})
		return
	}

	var body revalidateBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "invalid JSON body"})
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "paths must be a non-empty list of paths"})
		return
	}

	req := revalidate.Request{Paths: body.Paths, Tag: strings.TrimSpace(body.CacheSegment)}
	if err := s.queue.Enqueue(r.Context(), req); err != nil {
		s.logger.Error("enqueue revalidation failed", zap.Strings("paths", req.Paths), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Error: err.Error()})
		return
	}

	if s.opts.WarmOnAccept {
		for _, p := range req.Paths {
			p := p // per-iteration copy (go 1.22 loop semantics)
			s.background("warm", func(ctx context.Context) {
				if err := s.origin.Warm(ctx, p); err != nil {
					s.logger.Warn("warm failed", zap.String("path", p), zap.Error(err))
				}
			})
		}
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "accepted"})
}

// authorize checks the HS256 bearer token when a secret is configured.
func (s *Service) authorize(r *http.Request) error {
	if s.opts.JWTSecret == "" {
		return nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return errors.New("missing bearer token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.opts.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.opts.JWTIssuer))
	}
	_, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return []byte(s.opts.JWTSecret), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
