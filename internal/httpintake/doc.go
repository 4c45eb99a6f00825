// Package httpintake accepts HL7 v2 messages over HTTP POST and answers each
// request synchronously with the ACK or NACK produced by the endpoint's
// dispatcher.
//
// # Request Flow
//
//  1. HTTP POST arrives at an endpoint's http_path
//  2. Body size checked (413 if too large)
//  3. When the endpoint has a secret, the HMAC-SHA256 signature header is
//     verified in constant time (403 on mismatch, no details)
//  4. The body is submitted to the endpoint dispatcher
//  5. The handler blocks until the response is delivered, then writes it with
//     status 200 and Content-Type x-application/hl7-v2+er7
//
// A NACK is flagged with the X-HL7-Nack header. A response that is marked
// for close also sets Connection: close.
package httpintake
