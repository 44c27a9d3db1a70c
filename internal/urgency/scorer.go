// Package urgency derives a 1-5 urgency level for a lead from message content
// and recent conversation activity, and raises broker alerts above a threshold.
package urgency

import (
	"fmt"
	"regexp"
	"time"

	"github.com/scrypster/leadbroker/internal/textutil"
	"github.com/scrypster/leadbroker/pkg/types"
)

// Result is the outcome of scoring one message.
type Result struct {
	Level            int      `json:"level"`
	Reasons          []string `json:"reasons,omitempty"`
	Indicators       []string `json:"indicators,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// ScorerConfig tunes the activity boosts.
type ScorerConfig struct {
	BurstWindow  time.Duration // default: 10m
	BurstCount   int           // default: 4
	RepeatWindow time.Duration // default: 24h
	RepeatCount  int           // default: 8
}

type indicator struct {
	name    string
	level   int
	pattern *regexp.Regexp
}

// Patterns run over folded text (lower case, no diacritics).
var indicators = []indicator{
	// Critical
	{"eviction", 5, regexp.MustCompile(`despej\w*`)},
	{"must_leave", 5, regexp.MustCompile(`(preciso sair|tenho que sair).{0,20}(hoje|amanha|sexta|fim.?de.?semana)`)},
	{"emergency", 5, regexp.MustCompile(`(emergencia|emergencial|situacao critica)`)},
	{"no_place", 5, regexp.MustCompile(`(sem lugar|nao tenho onde|homeless)`)},
	{"separation", 5, regexp.MustCompile(`(separacao|divorcio).{0,30}(urgente|rapido|\bja\b)`)},

	// Defined deadline
	{"explicit_deadline", 4, regexp.MustCompile(`(preciso|quero|tenho que).{0,20}(hoje|amanha|agora)`)},
	{"deadline_weekday", 4, regexp.MustCompile(`(\bate\b|antes d[eo]).{0,10}(segunda|terca|quarta|quinta|sexta|sabado|domingo|proxima semana)`)},
	{"life_event", 4, regexp.MustCompile(`(casamento|trabalho novo|transferencia).{0,20}(proxim\w+|dias|semana)`)},
	{"lease_ending", 4, regexp.MustCompile(`(contrato vence|aluguel acaba|termina).{0,15}(\d{1,2}/\d{1,2}|dias|semana)`)},
	{"move_booked", 4, regexp.MustCompile(`(mudanca marcada|van contratada|caminhao)`)},
	{"birth", 4, regexp.MustCompile(`(filho nasce|bebe|nascimento).{0,20}(dias|semana|mes)`)},

	// Active search with motivation
	{"long_search", 3, regexp.MustCompile(`(procurando ha|a procura ha).{0,10}(semanas|meses)`)},
	{"visited_many", 3, regexp.MustCompile(`(visitei \d+|vi varios|ja visitei)`)},
	{"unhappy_with_agent", 3, regexp.MustCompile(`(corretor anterior|outra imobiliaria).{0,20}(nao resolve|demorou|lento)`)},
	{"financing_ready", 3, regexp.MustCompile(`(orcamento aprovado|financiamento ok|financiamento aprovado|entrada pronta)`)},
	{"wants_visit", 3, regexp.MustCompile(`(quero ver|posso visitar).{0,15}(hoje|amanha|essa semana|esta semana)`)},

	// Interest with reservations
	{"browsing", 2, regexp.MustCompile(`(so olhando|apenas curiosidade)`)},
	{"uncertain", 2, regexp.MustCompile(`(talvez|pode ser que|nao tenho certeza)`)},
	{"distant_horizon", 2, regexp.MustCompile(`(mes que vem|ano que vem|futuro)`)},
	{"deliberating", 2, regexp.MustCompile(`(vou pensar|preciso conversar)`)},
}

var timeReferencePattern = regexp.MustCompile(`\b(hoje|amanha|sexta|semana|dias|urgente|rapido|ja|preciso)\b`)

var motivations = []struct {
	category string
	keywords []string
}{
	{"family", []string{"filho", "filhos", "bebe", "familia", "casamento", "casal"}},
	{"work", []string{"trabalho", "emprego", "transferencia", "promocao"}},
	{"financial", []string{"financiamento", "aprovado", "entrada", "orcamento"}},
	{"lifestyle", []string{"espaco", "qualidade de vida", "seguranca", "localizacao"}},
	{"investment", []string{"investimento", "renda", "valorizacao", "negocio"}},
}

var suggestedActions = map[int][]string{
	5: {
		"Call immediately: critical situation",
		"Schedule a visit for today if possible",
		"Prepare documents for a fast signature",
		"Check properties available for immediate move-in",
	},
	4: {
		"Contact within 30 minutes",
		"Schedule a visit for tomorrow or the next few days",
		"Prepare 3-5 pre-selected options",
		"Ask for the exact deadline",
	},
	3: {
		"Reply within 2 hours",
		"Schedule a visit next week",
		"Send a personalised portfolio",
		"Follow up in 48h",
	},
	2: {
		"Reply within 24 hours",
		"Add to the nurture list",
		"Send educational content",
		"Follow up weekly",
	},
}

// SuggestedActions returns the broker playbook for level. Levels below 2 use
// the level 2 playbook.
func SuggestedActions(level int) []string {
	actions, ok := suggestedActions[level]
	if !ok {
		actions = suggestedActions[2]
	}
	return append([]string(nil), actions...)
}

// Scorer evaluates urgency deterministically. It is safe for concurrent use.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer creates a Scorer, filling zero config fields with defaults.
func NewScorer(cfg ScorerConfig) *Scorer {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 10 * time.Minute
	}
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = 4
	}
	if cfg.RepeatWindow <= 0 {
		cfg.RepeatWindow = 24 * time.Hour
	}
	if cfg.RepeatCount <= 0 {
		cfg.RepeatCount = 8
	}
	return &Scorer{cfg: cfg}
}

// Score rates msg in the context of snap. snap may be nil; when present its
// Recent history (newest first, including msg) drives the activity boosts.
//
// The level is the highest matched pattern tier (1 when none match) plus one
// per boost, capped at 5. Adding indicators never lowers the level.
func (s *Scorer) Score(snap *types.ConversationSnapshot, msg *types.InboundMessage) Result {
	folded := textutil.Fold(msg.Content)
	level := types.MinUrgency
	var res Result

	for _, ind := range indicators {
		match := ind.pattern.FindString(folded)
		if match == "" {
			continue
		}
		level = max(level, ind.level)
		res.Indicators = append(res.Indicators, ind.name)
		res.Reasons = append(res.Reasons, fmt.Sprintf("level %d pattern %q", ind.level, match))
	}

	boost := func(name, reason string) {
		level = min(level+1, types.MaxUrgency)
		res.Indicators = append(res.Indicators, name)
		res.Reasons = append(res.Reasons, reason)
	}

	if refs := len(timeReferencePattern.FindAllString(folded, -1)); refs >= 3 {
		boost("time_references", fmt.Sprintf("%d time references", refs))
	}

	for _, m := range motivations {
		if textutil.ContainsWord(folded, m.keywords...) {
			boost("motivation_"+m.category, fmt.Sprintf("%s motivation", m.category))
			break
		}
	}

	if snap != nil {
		at := msg.Timestamp
		if n := countInboundSince(snap.Recent, at.Add(-s.cfg.BurstWindow)); n >= s.cfg.BurstCount {
			boost("message_burst", fmt.Sprintf("%d messages within %s", n, s.cfg.BurstWindow))
		}
		if n := countInboundSince(snap.Recent, at.Add(-s.cfg.RepeatWindow)); n >= s.cfg.RepeatCount {
			boost("repeated_contact", fmt.Sprintf("%d messages within %s", n, s.cfg.RepeatWindow))
		}
	}

	res.Level = level
	res.SuggestedActions = SuggestedActions(level)
	return res
}

func countInboundSince(recent []types.Message, since time.Time) int {
	n := 0
	for _, m := range recent {
		if m.Direction == types.DirectionInbound && !m.SentAt.Before(since) {
			n++
		}
	}
	return n
}
