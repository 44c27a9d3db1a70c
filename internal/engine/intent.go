package engine

import "github.com/scrypster/leadbroker/internal/textutil"

var searchKeywords = []string{
	"imovel", "imoveis", "apartamento", "apartamentos", "apto", "aptos",
	"casa", "casas", "cobertura", "sobrado", "studio", "kitnet", "terreno",
	"quarto", "quartos", "dormitorio", "dormitorios", "suite", "suites",
	"aluguel", "alugar", "comprar", "compra", "venda", "bairro",
	"procuro", "procurando", "busco", "opcao", "opcoes",
}

// DetectSearchIntent reports whether text asks about properties.
func DetectSearchIntent(text string) bool {
	return textutil.ContainsWord(textutil.Fold(text), searchKeywords...)
}
