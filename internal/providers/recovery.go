package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// maxTrimRetries bounds the pop-oldest-and-retry loop on context overflow.
const maxTrimRetries = 20

// execute runs a provider call under the recovery policy: rotate keys on
// quota or auth failures until the pool is exhausted, trim the oldest
// history entry on context overflow, degrade modalities the vendor rejects,
// and surface everything else as a role=err response. The call closure must
// re-read req on every attempt since recovery mutates it.
func execute(ctx context.Context, logger *slog.Logger, pool *KeyPool, req *models.ProviderRequest, call func(context.Context) (*models.LLMResponse, error)) (*models.LLMResponse, error) {
	trims := 0
	rotations := 0

	for {
		resp, err := call(ctx)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		reason := ReasonOf(err)
		logger.Warn("provider call failed", "reason", reason.String(), "error", err)

		switch reason {
		case ReasonRetryKey:
			rotations++
			if rotations >= pool.Len() {
				return errResponse(err), nil
			}
			pool.Rotate()

		case ReasonTrimHistory:
			trims++
			if trims > maxTrimRetries || len(req.Contexts) == 0 {
				return errResponse(err), nil
			}
			req.Contexts = req.Contexts[1:]

		case ReasonDropImages:
			if !hasImages(req) {
				return errResponse(err), nil
			}
			req.ImageURLs = nil
			for i := range req.Contexts {
				req.Contexts[i].Images = nil
			}

		case ReasonDropTools:
			if req.Tools == nil {
				return errResponse(err), nil
			}
			req.Tools = nil

		case ReasonDropSystemPrompt:
			if req.SystemPrompt == "" {
				return errResponse(err), nil
			}
			req.SystemPrompt = ""

		default:
			return errResponse(err), nil
		}
	}
}

func errResponse(err error) *models.LLMResponse {
	return models.NewErrResponse(fmt.Sprintf("Request failed. type=%s msg=%v", ReasonOf(err), err))
}

func hasImages(req *models.ProviderRequest) bool {
	if len(req.ImageURLs) > 0 {
		return true
	}
	for _, e := range req.Contexts {
		if len(e.Images) > 0 {
			return true
		}
	}
	return false
}
