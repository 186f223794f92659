package signature

// Len is the size of an r || s || v signature.
const Len = 65

// personalPrefix is prepended to payloads before hashing so a persona
// signature can never be replayed as a raw transaction signature.
const personalPrefix = "\x19Ethereum Signed Message:\n"
