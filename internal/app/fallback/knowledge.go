package fallback

import (
	"strings"

	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

// Entry is one curated answer. Every group must match the query; a group
// matches when any of its terms does. Single words match as stems, terms with
// spaces match as whole phrases.
type Entry struct {
	ID     string     `yaml:"id"`
	Groups [][]string `yaml:"groups"`
	Answer string     `yaml:"answer"`
}

func (e Entry) matches(folded string) bool {
	if len(e.Groups) == 0 {
		return false
	}
	for _, group := range e.Groups {
		if !groupMatches(folded, group) {
			return false
		}
	}
	return true
}

func groupMatches(folded string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(strings.TrimSpace(t), " ") {
			if _, ok := textutil.ContainsAny(folded, t); ok {
				return true
			}
			continue
		}
		if _, ok := textutil.HasPrefixWord(folded, t); ok {
			return true
		}
	}
	return false
}

// Lookup returns the most specific matching entry: the one with the most
// groups, first in table order on a tie.
func Lookup(table []Entry, query string) (Entry, bool) {
	folded := textutil.Fold(query)
	var (
		best  Entry
		found bool
	)
	for _, e := range table {
		if !e.matches(folded) {
			continue
		}
		if !found || len(e.Groups) > len(best.Groups) {
			best, found = e, true
		}
	}
	return best, found
}

var (
	doseTerms    = []string{"dose", "dosag", "posolog", "quanto tomar", "quantos comprimidos", "quantas capsulas", "mg"}
	pregnantTerm = []string{"gravid", "gestante", "gestacao", "amament", "lactante", "pregnan"}
)

// DefaultKnowledge is the built-in curated table for PQT-U dispensing.
func DefaultKnowledge() []Entry {
	return []Entry{
		{
			ID:     "rifampicina-dose",
			Groups: [][]string{{"rifampicina", "rifampicin"}, doseTerms},
			Answer: "Na PQT-U para adultos, a rifampicina é tomada uma vez por mês, na dose supervisionada de 600 mg " +
				"(2 cápsulas de 300 mg), na unidade de saúde. Para crianças, a dose é ajustada pelo peso (10 mg/kg). " +
				"Siga sempre a prescrição.",
		},
		{
			ID:     "clofazimina-dose",
			Groups: [][]string{{"clofazimina", "clofazimine"}, doseTerms},
			Answer: "Na PQT-U para adultos, a clofazimina é tomada em 300 mg na dose mensal supervisionada e em 50 mg " +
				"por dia, em casa. Tome após uma refeição para reduzir o desconforto gástrico.",
		},
		{
			ID:     "dapsona-dose",
			Groups: [][]string{{"dapsona", "dapsone"}, doseTerms},
			Answer: "Na PQT-U para adultos, a dapsona é tomada em 100 mg por dia, em casa, e também faz parte da dose " +
				"mensal supervisionada (100 mg). Em crianças, a dose é de 1,5 mg/kg por dia.",
		},
		{
			ID:     "pqtu-duracao",
			Groups: [][]string{{"pqt", "tratamento", "poliquimioterapia", "blister", "cartela"}, {"duracao", "dura", "quanto tempo", "quantos meses", "meses"}},
			Answer: "A PQT-U dura 6 meses (6 cartelas) nos casos paucibacilares e 12 meses (12 cartelas) nos casos " +
				"multibacilares. A dose mensal é tomada na unidade de saúde.",
		},
		{
			ID:     "dose-esquecida",
			Groups: [][]string{{"esquec", "perdi", "pulei", "atras"}, doseTerms},
			Answer: "Se esquecer a dose diária, tome assim que lembrar, a não ser que já esteja perto da próxima. " +
				"Nunca tome duas doses juntas. Se perder a dose mensal, procure a unidade de saúde o quanto antes " +
				"para reagendar.",
		},
		{
			ID:     "urina-pele-cor",
			Groups: [][]string{{"urina", "xixi", "pele", "suor", "lagrima"}, {"vermelh", "laranja", "escur", "cor", "manch"}},
			Answer: "A rifampicina pode deixar urina, suor e lágrimas avermelhados por alguns dias após a dose mensal. " +
				"A clofazimina pode escurecer a pele, e a cor volta ao normal meses após o fim do tratamento. " +
				"Os dois efeitos são esperados.",
		},
		{
			ID:     "efeitos-adversos",
			Groups: [][]string{{"efeito colateral", "efeitos colaterais", "reacao", "reacoes", "efeito adverso", "efeitos adversos", "side effect"}},
			Answer: "Reações comuns da PQT-U incluem desconforto gástrico, urina avermelhada e escurecimento da pele. " +
				"Procure a unidade de saúde se surgir pele ou olhos amarelados, falta de ar, cansaço intenso, " +
				"manchas roxas ou febre.",
		},
		{
			ID:     "gestacao",
			Groups: [][]string{pregnantTerm},
			Answer: "A PQT-U pode ser usada na gestação e na amamentação, conforme orientação médica. " +
				"A clofazimina pode deixar a pele do bebê temporariamente mais escura.",
		},
		{
			ID:     "armazenamento",
			Groups: [][]string{{"guardar", "armazen", "conservar", "geladeira", "temperatura"}},
			Answer: "Guarde as cartelas na embalagem original, em temperatura ambiente, longe da luz, do calor e da " +
				"umidade, e fora do alcance de crianças. Não é preciso guardar na geladeira.",
		},
		{
			ID:     "transmissao",
			Groups: [][]string{{"transmit", "transmiss", "contagi", "pega", "passa"}, {"hansen", "lepra", "doenca"}},
			Answer: "A hanseníase é transmitida pelas vias respiratórias, em contato próximo e prolongado com pessoas " +
				"sem tratamento. Após o início da PQT-U, a transmissão é rapidamente interrompida.",
		},
	}
}
