package spooler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type MailProcessorConfig struct {
	Partition *int64
	// BatchSize caps messages per fetch. Zero means no cap.
	BatchSize    int
	PollInterval time.Duration
	Logger       zerolog.Logger
}

type MailStats struct {
	Messages    int
	Rejected    int
	Attachments int
	Created     int
	Duplicates  int
	Failed      int
}

// MailProcessor turns allowed senders' attachments into documents. A message
// is marked processed once none of its attachments failed; otherwise it is
// retried on the next poll.
type MailProcessor struct {
	mailbox Mailbox
	filter  *SenderFilter
	pipe    *Pipeline
	cfg     MailProcessorConfig
	log     zerolog.Logger
}

func NewMailProcessor(mailbox Mailbox, filter *SenderFilter, pipe *Pipeline, cfg MailProcessorConfig) *MailProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	log := cfg.Logger.With().Str("component", "mail").Logger()
	if filter.Empty() {
		log.Warn().Msg("sender allow-list is empty, every message will be rejected")
	}
	return &MailProcessor{mailbox: mailbox, filter: filter, pipe: pipe, cfg: cfg, log: log}
}

// Run polls the mailbox until ctx is cancelled.
func (p *MailProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("mail poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *MailProcessor) RunOnce(ctx context.Context) (MailStats, error) {
	var stats MailStats
	msgs, err := p.mailbox.Fetch(ctx, p.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Messages++
		log := p.log.With().Str("message_id", msg.MessageID).Str("from", msg.From).Logger()

		if !p.filter.Allowed(msg.From) {
			stats.Rejected++
			log.Warn().Msg("sender not allowed, message skipped")
			p.markProcessed(ctx, msg, log)
			continue
		}
		if len(msg.Attachments) == 0 {
			log.Info().Msg("message has no attachments")
			p.markProcessed(ctx, msg, log)
			continue
		}

		failed := false
		for i, att := range msg.Attachments {
			stats.Attachments++
			outcome, err := p.ingestAttachment(ctx, msg, i, att)
			switch {
			case err != nil:
				var ve *ValidationError
				if errors.As(err, &ve) {
					log.Warn().Err(err).Str("attachment", att.Filename).Msg("attachment skipped")
					continue
				}
				stats.Failed++
				failed = true
				log.Error().Err(err).Str("attachment", att.Filename).Msg("attachment ingest failed")
			case outcome == OutcomeDuplicate:
				stats.Duplicates++
			case outcome == OutcomeCreated:
				stats.Created++
			}
		}
		if !failed {
			p.markProcessed(ctx, msg, log)
		}
	}
	if stats.Messages > 0 {
		p.log.Info().
			Int("messages", stats.Messages).
			Int("rejected", stats.Rejected).
			Int("attachments", stats.Attachments).
			Int("created", stats.Created).
			Int("duplicates", stats.Duplicates).
			Int("failed", stats.Failed).
			Msg("mail poll finished")
	}
	return stats, nil
}

// ingestAttachment returns an empty outcome when the attachment was already
// handled by an earlier poll.
func (p *MailProcessor) ingestAttachment(ctx context.Context, msg MailMessage, idx int, att MailAttachment) (Outcome, error) {
	fp, err := ComputeFingerprint(att.Data)
	if err != nil {
		return "", err
	}
	key := "mail:" + msg.MessageID + "/" + strconv.Itoa(idx+1) + "/" + att.Filename
	if done, err := p.pipe.alreadyIngested(ctx, key, fp); err != nil {
		return "", err
	} else if done {
		return "", nil
	}

	p.pipe.EnsureSynced(ctx, p.cfg.Partition)
	res, err := p.pipe.Ingest(ctx, key, Submission{
		Name:          att.Filename,
		Content:       att.Data,
		MimeType:      att.ContentType,
		CorrelationID: msg.MessageID,
		Partition:     p.cfg.Partition,
		Source:        SourceMail,
		Provenance: map[string]string{
			"from":              msg.From,
			"subject":           msg.Subject,
			"message_id":        msg.MessageID,
			"attachment_index":  strconv.Itoa(idx + 1),
			"total_attachments": strconv.Itoa(len(msg.Attachments)),
		},
	})
	if err != nil {
		return "", err
	}
	return res.Outcome, nil
}

func (p *MailProcessor) markProcessed(ctx context.Context, msg MailMessage, log zerolog.Logger) {
	if err := p.mailbox.MarkProcessed(ctx, msg.ID); err != nil {
		log.Error().Err(err).Msg("could not mark message processed")
	}
}
