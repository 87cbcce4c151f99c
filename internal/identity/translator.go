package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/ai"
)

// Translator resolves source phrases to Simplified Chinese through a
// persistent cache backed by the AI provider. A cached NULL marks a
// phrase the engine could not translate; it is served as "no
// translation" without re-querying the provider.
type Translator struct {
	conn   *sql.DB
	client *ai.Client
	mode   ai.TranslationMode
	logger zerolog.Logger
}

// NewTranslator creates a cache-backed translator. client may be nil;
// lookups then only ever hit the cache.
func NewTranslator(conn *sql.DB, client *ai.Client, mode ai.TranslationMode, logger zerolog.Logger) *Translator {
	if mode == "" {
		mode = ai.ModeFast
	}
	return &Translator{
		conn:   conn,
		client: client,
		mode:   mode,
		logger: logger.With().Str("component", "translator").Logger(),
	}
}

// Translate resolves a single phrase. The second return is false when
// no translation exists (including cached failures).
func (t *Translator) Translate(ctx context.Context, phrase string) (string, bool, error) {
	out, err := t.TranslateAll(ctx, []string{phrase})
	if err != nil {
		return "", false, err
	}
	v, ok := out[phrase]
	return v, ok, nil
}

// TranslateAll resolves a batch of phrases, serving cache hits first
// and sending only the misses to the provider. Phrases that already
// contain CJK text, short all-uppercase tokens, and empty strings are
// returned unchanged without touching cache or provider.
func (t *Translator) TranslateAll(ctx context.Context, phrases []string) (map[string]string, error) {
	result := make(map[string]string, len(phrases))

	var lookup []string
	seen := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if ContainsCJK(p) || IsShortUppercaseToken(p) {
			result[p] = p
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		lookup = append(lookup, p)
	}
	if len(lookup) == 0 {
		return result, nil
	}

	misses, err := t.fromCache(ctx, lookup, result)
	if err != nil {
		return nil, err
	}
	if len(misses) == 0 || t.client == nil {
		return result, nil
	}

	translated, err := t.client.TranslateBatch(ctx, t.mode, misses)
	if err != nil {
		// Provider failure is not poison: nothing is cached and the
		// phrases stay untranslated for this pass.
		t.logger.Warn().Err(err).Int("count", len(misses)).Msg("translation batch failed")
		return result, nil
	}

	for _, p := range misses {
		v, ok := translated[p]
		if ok && v != "" && ContainsCJK(v) {
			if err := t.store(ctx, p, &v); err != nil {
				return nil, err
			}
			result[p] = v
			continue
		}
		// The engine answered but produced nothing usable; poison the
		// phrase so it is never re-sent.
		if err := t.store(ctx, p, nil); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// fromCache fills result with cache hits and returns the phrases that
// still need the provider. Poisoned phrases count as resolved.
func (t *Translator) fromCache(ctx context.Context, phrases []string, result map[string]string) ([]string, error) {
	var misses []string
	for _, p := range phrases {
		var translation sql.NullString
		err := t.conn.QueryRowContext(ctx,
			`SELECT translation FROM translation_cache WHERE source = ?`, p).Scan(&translation)
		if errors.Is(err, sql.ErrNoRows) {
			misses = append(misses, p)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query translation cache: %w", err)
		}
		if translation.Valid {
			result[p] = translation.String
		}
	}
	return misses, nil
}

func (t *Translator) store(ctx context.Context, source string, translation *string) error {
	var val interface{}
	if translation != nil {
		val = *translation
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO translation_cache (source, translation, engine)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			translation = excluded.translation,
			engine = excluded.engine`,
		source, val, string(t.mode))
	if err != nil {
		return fmt.Errorf("store translation: %w", err)
	}
	return nil
}

// ClearFailures removes poisoned cache rows so the phrases become
// eligible for translation again.
func (t *Translator) ClearFailures(ctx context.Context) (int64, error) {
	res, err := t.conn.ExecContext(ctx,
		`DELETE FROM translation_cache WHERE translation IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("clear failed translations: %w", err)
	}
	return res.RowsAffected()
}
