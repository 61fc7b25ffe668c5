package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sunbk201/tunnelgate/internal/consent"
	"github.com/sunbk201/tunnelgate/internal/statistics"
)

type consentBody struct {
	Status       string `json:"status" enum:"unset,granted,denied" doc:"Current ad consent"`
	DecidedAt    *int64 `json:"decided_at,omitempty" doc:"Epoch milliseconds of the last decision"`
	ShouldPrompt bool   `json:"should_prompt" doc:"Whether the consent prompt should be shown now"`
}

type consentOutput struct {
	Body consentBody
}

func consentView(r consent.Record, prompt bool) *consentOutput {
	out := &consentOutput{}
	out.Body.Status = r.Status.String()
	if r.DecidedAt != nil {
		ms := r.DecidedAt.UnixMilli()
		out.Body.DecidedAt = &ms
	}
	out.Body.ShouldPrompt = prompt
	return out
}

func registerConsentHandlers(api huma.API, store *consent.Store) {
	huma.Register(api, huma.Operation{OperationID: "get-consent", Method: http.MethodGet, Path: "/api/consent", Summary: "Read the ad consent record", Tags: []string{"Consent"}},
		func(ctx context.Context, _ *struct{}) (*consentOutput, error) {
			rec := store.Get(ctx)
			return consentView(rec, consent.ShouldPrompt(rec, timeNow())), nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-consent", Method: http.MethodPut, Path: "/api/consent", Summary: "Record an ad consent decision", Tags: []string{"Consent"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Status string `json:"status" required:"true" enum:"granted,denied" doc:"The user's decision"`
			}
		}) (*consentOutput, error) {
			status, err := consent.ParseStatus(input.Body.Status)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity(err.Error())
			}
			rec, err := store.Set(ctx, status)
			if err != nil {
				if errors.Is(err, consent.ErrInvalidStatus) {
					return nil, huma.Error422UnprocessableEntity(err.Error())
				}
				return nil, huma.Error500InternalServerError("consent not persisted", err)
			}
			return consentView(rec, consent.ShouldPrompt(rec, timeNow())), nil
		})

	huma.Register(api, huma.Operation{OperationID: "request-consent-prompt", Method: http.MethodPost, Path: "/api/consent/prompt", Summary: "Ask the page to show the consent prompt", Tags: []string{"Consent"}, DefaultStatus: http.StatusNoContent},
		func(ctx context.Context, _ *struct{}) (*struct{}, error) {
			store.RequestPrompt()
			return nil, nil
		})
}

func registerPingHandlers(api huma.API, pings *statistics.Recorder) {
	huma.Register(api, huma.Operation{OperationID: "ads-ping", Method: http.MethodGet, Path: "/api/ads/ping", Summary: "Beacon target counting pings per tag", Tags: []string{"Ads"}, DefaultStatus: http.StatusNoContent},
		func(ctx context.Context, input *struct {
			Tag       string `query:"tag" doc:"Task the beacon belongs to"`
			CacheBust string `query:"cacheBust" doc:"Ignored, defeats caches"`
		}) (*struct{}, error) {
			if pings != nil {
				pings.Pings.Add(input.Tag)
			}
			return nil, nil
		})
}
