// Package http implements the loopback HTTP handlers the GUI shell talks
// to. Handlers stay thin: request parsing, validation and response
// formatting only, with all license logic behind the service layer.
//
// # Request Flow
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Engine
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// # Error Handling
//
// All errors follow RFC 7807 Problem Details:
//
//	{
//	    "type": "/errors/license/hardware-mismatch",
//	    "title": "Hardware Mismatch",
//	    "status": 409,
//	    "detail": "This machine does not match the hardware registered to the license.",
//	    "instance": "/api/license/validate#req-id"
//	}
//
// Engine sentinels map onto these through errors.MapLicenseError; an
// unreachable registry always maps to 503 with "unknown" wording, never to
// an invalid-license response.
package http
