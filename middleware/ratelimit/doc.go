// Package ratelimit fornece adapters HTTP (net/http) para rate limit por categoria
// e limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (tabela de políticas, decisão allow/deny, acquire/timeout)
//   - infra: implementações concretas (janela fixa em memória ou Redis, stats, semáforo)
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução para status/headers
//
// Fluxo por request:
//
//  1. A rota define a categoria (authentication, post-creation, follow, ...)
//  2. Extrai a chave: id do principal autenticado, senão IP
//  3. Chama a camada application para consumir uma unidade da quota
//  4. Se bloqueado, responde 429 com o corpo RATE_LIMIT_EXCEEDED
//  5. Se permitido, envia RateLimit-Limit/Remaining/Reset e chama o próximo handler
//
// Follow e unfollow usam a mesma categoria e por isso o mesmo contador.
// Categorias isentas (general) não consomem nada e não recebem headers.
package ratelimit
