package knowledge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is one indexed passage of the dispensing guide.
type Document struct {
	ID       string `yaml:"id"`
	Category string `yaml:"category"`
	Source   string `yaml:"source"`
	Text     string `yaml:"text"`
}

type corpusFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadDocuments reads a YAML corpus. An empty path yields the built-in one.
func LoadDocuments(path string) ([]Document, error) {
	if path == "" {
		return DefaultDocuments(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	if len(f.Documents) == 0 {
		return nil, fmt.Errorf("corpus %s has no documents", path)
	}
	for i, d := range f.Documents {
		if d.ID == "" || d.Text == "" {
			return nil, fmt.Errorf("corpus %s: document %d needs id and text", path, i)
		}
	}
	return f.Documents, nil
}

const guide = "Roteiro de Dispensação PQT-U"

// DefaultDocuments is the seed corpus.
func DefaultDocuments() []Document {
	return []Document{
		{ID: "rifampicina-posologia", Category: "dosage", Source: guide,
			Text: "Rifampicina: dose mensal supervisionada de 600 mg (2 cápsulas de 300 mg) para adultos. Em crianças, 10 mg/kg."},
		{ID: "clofazimina-posologia", Category: "dosage", Source: guide,
			Text: "Clofazimina: dose mensal supervisionada de 300 mg e dose diária autoadministrada de 50 mg para adultos."},
		{ID: "dapsona-posologia", Category: "dosage", Source: guide,
			Text: "Dapsona: dose diária de 100 mg para adultos, incluída também na dose mensal supervisionada. Em crianças, 1,5 mg/kg por dia."},
		{ID: "pqtu-duracao", Category: "protocol", Source: guide,
			Text: "Duração do tratamento com PQT-U: 6 cartelas em até 9 meses nos casos paucibacilares e 12 cartelas em até 18 meses nos multibacilares."},
		{ID: "dose-esquecida", Category: "protocol", Source: guide,
			Text: "Dose diária esquecida: tomar assim que lembrar, sem dobrar a dose. Dose mensal perdida: reagendar a dose supervisionada na unidade de saúde."},
		{ID: "rifampicina-coloracao", Category: "safety", Source: guide,
			Text: "Rifampicina pode causar coloração avermelhada da urina, suor e lágrimas. Efeito esperado e transitório."},
		{ID: "clofazimina-pele", Category: "safety", Source: guide,
			Text: "Clofazimina pode causar hiperpigmentação e ressecamento da pele, reversível meses após o fim do tratamento."},
		{ID: "dapsona-hemolise", Category: "safety", Source: guide,
			Text: "Dapsona pode causar anemia hemolítica e metemoglobinemia. Avaliar cansaço intenso, falta de ar e lábios arroxeados."},
		{ID: "rifampicina-interacoes", Category: "interactions", Source: guide,
			Text: "Rifampicina é indutora enzimática e reduz a eficácia de anticoncepcionais orais, anticoagulantes e antirretrovirais. Orientar método contraceptivo adicional."},
		{ID: "gestacao-lactacao", Category: "safety", Source: guide,
			Text: "A PQT-U pode ser usada na gestação e na lactação. A clofazimina pode pigmentar temporariamente a pele do recém-nascido."},
		{ID: "armazenamento", Category: "storage", Source: guide,
			Text: "Armazenar as cartelas em temperatura ambiente, protegidas da luz e da umidade, na embalagem original e fora do alcance de crianças."},
		{ID: "transmissao", Category: "education", Source: guide,
			Text: "A hanseníase é transmitida pelas vias aéreas superiores no contato prolongado com pessoas sem tratamento. A PQT-U interrompe a transmissão."},
	}
}
