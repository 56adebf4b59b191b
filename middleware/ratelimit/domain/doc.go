// Package domain define contratos e tipos de domínio do rate limit por categoria
// (janela fixa por chave) e do limite de concorrência.
//
// Este pacote não depende de net/http nem de implementações concretas.
// Categorias, políticas, WindowState e a interface WindowStore vivem aqui para
// que middleware, application e infra falem a mesma língua.
package domain
