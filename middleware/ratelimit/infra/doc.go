// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - WindowStore: janela fixa por (category, key) em memória, com janitor
//   - RedisWindowStore: a mesma janela em Redis (script Lua atômico), para várias instâncias
//   - MemoryStatsStore / RedisStatsStore: contadores de allow/deny
//   - ChanPool: semáforo simples para limite de concorrência
package infra
