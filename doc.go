package relaycustody

/*
Package relaycustody implements the key-custody and succession protocol of
a permissioned ledger whose signing authority rotates among relays.

Every relay splits its private signing key into sixteen parts and hands them,
encrypted, to four key-quarter holders and two sets of sixteen key-sixteenth
holders that are chosen deterministically from the relay directory. When a
relay dies - because it misbehaved, stopped responding or said goodbye - its
quarter holders cooperate to hand the secrets it was keeping on behalf of
others to a deterministically chosen successor. Every step can be disputed:
complaints, failure messages and audits reveal just enough key material for
any third party to find out who lied.

The sub-packages are:
  - secp256k1: a kyber group for the secp256k1 curve
  - store: the keyed property store, in memory or on bbolt
  - relay: the relay directory, the relay entity and all protocol messages
  - scheduler: one-shot, last-write-wins timers
  - handler: admission, succession and the dispatching message handler
  - relaysim: a command line simulator running a whole directory locally
*/
