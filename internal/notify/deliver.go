package notify

import (
	"context"
	"errors"
	"fmt"
	"os"

	"listen_report/internal/report"
)

// Delivery tiers, best first.
const (
	TierMedia = "media"
	TierText  = "text"
	TierNone  = "none"
)

// Outcome describes one Deliver call.
type Outcome struct {
	Delivered   bool
	Environment string
	Target      string
	Tier        string
	Strategy    string
	Err         error
}

// Detail is a human readable summary of the outcome.
func (o Outcome) Detail() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Strategy != "" {
		return fmt.Sprintf("%s via %s", o.Tier, o.Strategy)
	}
	return o.Tier
}

// Deliver sends rep to t. With an image it tries each strategy until an image
// message is accepted, then sends the summary; any failure there falls back to
// a text-only message. Errors are reported in the Outcome, never returned.
func (c *Client) Deliver(ctx context.Context, t Target, rep *report.Report) Outcome {
	out := Outcome{Environment: t.Env, Target: t.Masked(), Tier: TierNone}
	log := c.logger.With().Str("environment", t.Env).Str("target", out.Target).Logger()
	defer func() {
		c.metrics.Delivery(t.Env, out.Delivered, out.Tier)
	}()

	if t.SendURL == "" {
		out.Err = &DeliveryError{Tier: TierNone, Err: ErrNoTarget}
		log.Warn().Err(out.Err).Msg("delivery skipped")
		return out
	}
	if rep == nil {
		out.Err = &DeliveryError{Tier: TierNone, Err: ErrNothingToSend}
		return out
	}

	if rep.ImagePath != "" {
		strategy, err := c.deliverMedia(ctx, t, rep)
		if err == nil {
			out.Delivered, out.Tier, out.Strategy = true, TierMedia, strategy
			log.Info().Str("tier", TierMedia).Str("strategy", strategy).Msg("report delivered")
			return out
		}
		log.Warn().Err(err).Str("tier", TierMedia).Msg("media delivery failed, falling back to text")
	}

	if err := c.SendMarkdown(ctx, t, textOnlyContent(rep)); err != nil {
		out.Err = &DeliveryError{Tier: TierText, Err: err}
		log.Error().Err(err).Str("tier", TierText).Msg("report delivery failed")
		return out
	}
	out.Delivered, out.Tier = true, TierText
	log.Info().Str("tier", TierText).Msg("report delivered")
	return out
}

func (c *Client) deliverMedia(ctx context.Context, t Target, rep *report.Report) (string, error) {
	data, err := os.ReadFile(rep.ImagePath)
	if err != nil {
		return "", &DeliveryError{Tier: TierMedia, Err: err}
	}
	a := Artifact{Filename: safeFilename(rep.ImagePath), MIMEType: mimeFor(rep.ImagePath), Data: data}

	// A reference is only good once the image message using it is accepted.
	var used string
	var lastErr error
	for _, s := range c.strategies {
		ref, err := s.Upload(ctx, t, a)
		if err == nil {
			err = c.sendImage(ctx, t, ref)
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("environment", t.Env).Str("strategy", s.Name).Msg("image strategy failed")
			lastErr = &DeliveryError{Tier: TierMedia, Strategy: s.Name, Err: err}
			continue
		}
		used = s.Name
		break
	}
	if used == "" {
		if lastErr == nil {
			lastErr = &DeliveryError{Tier: TierMedia, Err: errors.New("no image strategies")}
		}
		return "", lastErr
	}
	if err := c.SendMarkdown(ctx, t, rep.Text); err != nil {
		return "", &DeliveryError{Tier: TierMedia, Strategy: used, Err: fmt.Errorf("summary follow-up: %w", err)}
	}
	return used, nil
}

// textOnlyContent includes the table when it fits a single markdown message.
func textOnlyContent(rep *report.Report) string {
	if rep.Markdown != "" && len(rep.Markdown) <= maxMarkdownBytes {
		return rep.Markdown
	}
	return rep.Text
}
