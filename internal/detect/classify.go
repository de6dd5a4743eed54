package detect

import "strings"

// gtmMarkers classify a collected URL as GTM infrastructure. This boolean
// gates all richer analysis: events, consent, and tracker attribution only
// run when one of these matched.
var gtmMarkers = []string{
	"googletagmanager.com",
	"gtm.js",
	"gtag/js",
	"/gtm?id=",
	"gtm-",
}

// consentMarkers are the consent-signaling query fragments and literal
// tokens carried on consent-mode pings, including URL-encoded forms.
var consentMarkers = []string{
	"&gcs=", "&consent=", "&gcd=", "&npa=", "&pscdl=",
	"consent%3d", "gcs%3d", "gcd%3d", "npa%3d", "pscdl%3d",
	"consent_state", "analytics_storage", "ad_storage",
}

func detectGTM(urls []string) bool {
	return anyContains(urls, gtmMarkers)
}

func detectConsentMode(urls []string) bool {
	return anyContains(urls, consentMarkers)
}

func anyContains(urls, markers []string) bool {
	for _, u := range urls {
		lower := strings.ToLower(u)
		for _, marker := range markers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// googleURLsScript collects resource-timing entries whose URL matches the
// small fixed vocabulary associated with Google's tag infrastructure.
const googleURLsScript = `(() => {
	try {
		const markers = ['google', 'gtm', 'analytics', 'tagmanager', 'doubleclick'];
		const resources = performance.getEntriesByType('resource');
		const urls = resources
			.filter(r => {
				const url = r.name.toLowerCase();
				return markers.some(m => url.includes(m));
			})
			.map(r => r.name);
		return [...new Set(urls)];
	} catch (error) {
		return [];
	}
})()`

// dataLayerEventsScript reads unique event names from the page's event queue.
const dataLayerEventsScript = `(() => {
	try {
		if (typeof window.dataLayer === 'undefined') {
			return [];
		}
		const events = window.dataLayer
			.filter(item => item && item.event)
			.map(item => String(item.event));
		return [...new Set(events)];
	} catch (error) {
		return [];
	}
})()`

// consentClickScript dismisses common cookie banners: visible buttons with
// accept-like text first, then accept/consent-flavored attribute selectors.
// Returns a description of what was clicked, or an empty string.
const consentClickScript = `(() => {
	const texts = ['accept all', 'accept', 'essential', 'ok', 'got it', 'continue', 'agree', 'allow'];
	const visible = el => {
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	};
	const buttons = Array.from(document.querySelectorAll('button, [role="button"]'));
	for (const text of texts) {
		const match = buttons.find(b => visible(b) && b.textContent.trim().toLowerCase() === text);
		if (match) {
			match.click();
			return 'text:' + text;
		}
	}
	for (const text of texts) {
		const match = buttons.find(b => visible(b) && b.textContent.trim().toLowerCase().includes(text));
		if (match) {
			match.click();
			return 'text~' + text;
		}
	}
	const selectors = [
		'[class*="accept"]', '[id*="accept"]',
		'[class*="consent"]', '[id*="consent"]',
		'[class*="cookie"]',
		'[role="button"][aria-label*="accept" i]',
	];
	for (const selector of selectors) {
		const candidates = Array.from(document.querySelectorAll(selector));
		const match = candidates.find(visible);
		if (match) {
			match.click();
			return 'selector:' + selector;
		}
	}
	return '';
})()`

// interactionScript performs light synthetic interaction to trigger
// interaction-gated tags.
const interactionScript = `(() => {
	try {
		window.scrollTo(0, document.body.scrollHeight / 2);
		document.body.click();
		return true;
	} catch (error) {
		return false;
	}
})()`

// storageKeysScript enumerates local and session storage keys.
const storageKeysScript = `(() => {
	try {
		return {
			local: Object.keys(window.localStorage || {}),
			session: Object.keys(window.sessionStorage || {})
		};
	} catch (error) {
		return { local: [], session: [] };
	}
})()`
