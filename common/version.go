package common

// 0.1.0  2026.09.14   listing, quote and settlement of atomicals
// 0.2.0  2026.10.09   commit/reveal minting with bitwork search
const MARKET_VERSION = "0.2.0"

// 1.0.0  2026.09.14   offers, orders and pending broadcasts
const STORE_VERSION = "1.0.0"
