package api

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+:(assets|liabilities|equity|revenue|expenses|contra)(/[A-Za-z0-9_.~-]+)*$", "maxLength": 255},
    "limit": {"type": "string", "enum": ["no_limit", "debits_must_not_exceed_credits", "credits_must_not_exceed_debits"]}
  }
}`

const addPeerSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["node_id", "ledger", "prefix"],
  "properties": {
    "node_id": {"type": "string", "pattern": "^[A-Za-z0-9_~-]+$", "maxLength": 64},
    "ledger": {"type": "string", "minLength": 1, "maxLength": 64},
    "prefix": {"type": "string", "pattern": "^(g|private|example|peer|self|test[1-3]?|local)([.][A-Za-z0-9_~-]+)+$", "maxLength": 1023},
    "limit": {"type": "string", "enum": ["no_limit", "debits_must_not_exceed_credits", "credits_must_not_exceed_debits"]}
  }
}`

const ownerSettlementSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["ledger", "amount"],
  "properties": {
    "ledger": {"type": "string", "minLength": 1, "maxLength": 64},
    "amount": {"type": "string", "pattern": "^[1-9][0-9]*$", "maxLength": 40}
  }
}`

const peerSettlementSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["ledger", "peer", "amount"],
  "properties": {
    "ledger": {"type": "string", "minLength": 1, "maxLength": 64},
    "peer": {"type": "string", "pattern": "^[A-Za-z0-9_~-]+$", "maxLength": 64},
    "amount": {"type": "string", "pattern": "^[1-9][0-9]*$", "maxLength": 40}
  }
}`
