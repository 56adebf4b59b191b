// Package application contém os casos de uso (regras de aplicação) para rate limit
// por categoria e limite de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(ctx, key, category, authenticated) retorna uma Decision
// (allow/deny + estado da janela + retry-after) e PolicyTable guarda a tabela
// estática de quotas por categoria.
package application
