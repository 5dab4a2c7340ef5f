package persona

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/AnalineS/roteirosdedispersacao/internal/app/sentiment"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

// Adaptation labels recorded on a response.
const (
	AdaptSignature  = "persona signature"
	AdaptCitations  = "source citations"
	AdaptSafety     = "safety caveat"
	AdaptJargon     = "jargon simplification"
	AdaptNoCitation = "citations removed"
	AdaptSupportive = "supportive language"
)

// Draft is the answer being rewritten. Each adapter reads and updates Text.
type Draft struct {
	Text    string
	Query   string
	Profile domain.PersonaProfile
	Mood    sentiment.Result
	Sources []string
}

// Adapter is one step of the voice pipeline. Apply reports whether it
// changed the draft.
type Adapter interface {
	Name() string
	Apply(d *Draft) bool
}

// Pipeline runs adapters in order; the output of one is the input of the next.
type Pipeline struct {
	adapters []Adapter
}

func NewPipeline(adapters ...Adapter) *Pipeline {
	return &Pipeline{adapters: adapters}
}

// DefaultPipeline holds every adapter; each decides from the profile whether it applies.
func DefaultPipeline() *Pipeline {
	return NewPipeline(
		jargonAdapter{},
		stripCitationsAdapter{},
		citationAdapter{},
		safetyAdapter{},
		supportiveAdapter{},
		signatureAdapter{},
	)
}

// Run returns the adapted text and the labels of the adapters that applied.
func (p *Pipeline) Run(ctx context.Context, d Draft) (string, []string) {
	log := observability.LoggerFromContext(ctx).With("persona", d.Profile.ID)
	applied := make([]string, 0, len(p.adapters))
	for _, a := range p.adapters {
		if a.Apply(&d) {
			applied = append(applied, a.Name())
			log.Debug("adapter applied", "adapter", a.Name())
		}
	}
	return d.Text, applied
}

type signatureAdapter struct{}

func (signatureAdapter) Name() string { return AdaptSignature }

func (signatureAdapter) Apply(d *Draft) bool {
	sig := strings.TrimSpace(d.Profile.Signature)
	if sig == "" {
		return false
	}
	d.Text = sig + "\n\n" + d.Text
	return true
}

type citationAdapter struct{}

func (citationAdapter) Name() string { return AdaptCitations }

func (citationAdapter) Apply(d *Draft) bool {
	if !d.Profile.Style.IncludeCitations || len(d.Sources) == 0 {
		return false
	}
	d.Text += "\n\nFontes: " + strings.Join(d.Sources, "; ")
	return true
}

const safetyCaveat = "Atenção: doses e esquemas devem seguir a prescrição e o protocolo vigente do Ministério da Saúde. " +
	"Ajustes para crianças, gestantes ou pacientes com outras condições exigem avaliação profissional."

type safetyAdapter struct{}

func (safetyAdapter) Name() string { return AdaptSafety }

func (safetyAdapter) Apply(d *Draft) bool {
	if d.Profile.Style.Technicality != TechnicalityHigh || !IsDosageQuery(d.Query) {
		return false
	}
	d.Text += "\n\n" + safetyCaveat
	return true
}

// IsDosageQuery reports whether the query is about doses or posology.
func IsDosageQuery(q string) bool {
	_, ok := textutil.HasPrefixWord(textutil.Fold(q), "dose", "dosag", "posolog", "mg", "comprimido", "capsula", "miligrama")
	return ok
}

type jargonTerm struct {
	term  string
	re    *regexp.Regexp
	plain string
}

var jargon = buildJargon(map[string]string{
	"poliquimioterapia":            "tratamento com mais de um remédio",
	"administração supervisionada": "dose tomada junto com o profissional de saúde",
	"dose supervisionada":          "dose tomada junto com o profissional de saúde",
	"reações adversas":             "efeitos indesejados",
	"efeitos adversos":             "efeitos indesejados",
	"hepatotoxicidade":             "risco para o fígado",
	"posologia":                    "forma de tomar",
	"via oral":                     "pela boca",
	"contraindicado":               "não recomendado",
	"neuropatia":                   "problema nos nervos",
	"bacilo":                       "micróbio",
	"paucibacilar":                 "forma com poucos micróbios",
	"multibacilar":                 "forma com muitos micróbios",
})

// buildJargon orders terms longest first so multi-word terms win over overlaps.
func buildJargon(table map[string]string) []jargonTerm {
	terms := make([]jargonTerm, 0, len(table))
	for term, plain := range table {
		terms = append(terms, jargonTerm{
			term:  term,
			re:    regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`),
			plain: plain,
		})
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i].term) != len(terms[j].term) {
			return len(terms[i].term) > len(terms[j].term)
		}
		return terms[i].term < terms[j].term
	})
	return terms
}

type jargonAdapter struct{}

func (jargonAdapter) Name() string { return AdaptJargon }

func (jargonAdapter) Apply(d *Draft) bool {
	if d.Profile.Style.Technicality != TechnicalityLow {
		return false
	}
	changed := false
	for _, t := range jargon {
		out := t.re.ReplaceAllString(d.Text, t.plain)
		if out != d.Text {
			d.Text, changed = out, true
		}
	}
	return changed
}

var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\s*\[\d+(?:[,\-]\s*\d+)*\]`),
	regexp.MustCompile(`(?i)\s*\((?:fonte|fontes|ref\.?|referência)s?:[^)]*\)`),
	regexp.MustCompile(`(?im)^\s*(?:fonte|fontes|referências?)\s*:.*$\n?`),
}

type stripCitationsAdapter struct{}

func (stripCitationsAdapter) Name() string { return AdaptNoCitation }

func (stripCitationsAdapter) Apply(d *Draft) bool {
	if d.Profile.Style.IncludeCitations {
		return false
	}
	out := d.Text
	for _, re := range citationPatterns {
		out = re.ReplaceAllString(out, "")
	}
	out = strings.TrimSpace(out)
	if out == strings.TrimSpace(d.Text) {
		return false
	}
	d.Text = out
	return true
}

const supportiveClosing = "Você não está sozinho(a) nesse tratamento. Se bater qualquer dúvida ou insegurança, " +
	"converse com a equipe da sua unidade de saúde. Estamos aqui para ajudar."

type supportiveAdapter struct{}

func (supportiveAdapter) Name() string { return AdaptSupportive }

func (supportiveAdapter) Apply(d *Draft) bool {
	if d.Profile.Style.Technicality != TechnicalityLow || d.Mood.Category != sentiment.Anxious {
		return false
	}
	d.Text += "\n\n" + supportiveClosing
	return true
}
