package curation

const classifyPrompt = `You are a content-safety classifier for a character catalog. Classify the attached image.

Output ONLY valid JSON with this exact structure (no markdown, no explanation):
{"tier": "sfw", "age_rating": "general", "categories": ["portrait"], "confidence": 0.92}

Rules:
- tier: one of "sfw", "soft", "mature", "explicit"
- age_rating: one of "general", "teen", "mature"
- categories: short lowercase labels for notable content
- Add "minor" if the character appears to be under 18
- Add "minor-suggestive" if a character who appears under 18 is shown in a suggestive context
- confidence: 0 to 1`

const scorePrompt = `You are an art quality reviewer. Rate the attached character image.

Output ONLY valid JSON with this exact structure:
{"composition": 7.5, "clarity": 8.0, "technical": 6.5, "score": 7.3}

Rules:
- Every value is a number from 0 to 10
- composition: framing, pose and balance
- clarity: sharpness, noise and artifacts
- technical: anatomy, lighting and rendering skill
- score: the overall composite, not simply the average when one aspect is disqualifying`

const attributesPrompt = `Describe the main character in the attached image.

Output ONLY valid JSON with this exact structure:
{"gender": "female", "species": "human", "style": "anime"}

Rules:
- gender: one of "female", "male", "nonbinary", "unknown"
- species: one of "human", "humanoid", "anthro", "creature", "robot", "unknown"
- style: one of "anime", "realistic", "cartoon", "painterly", "pixel", "unknown"
- Use "unknown" whenever you are not sure`
