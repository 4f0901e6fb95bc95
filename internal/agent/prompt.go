package agent

import (
	"fmt"
	"strings"
)

// DefaultPersonas is the ordered rotation of prospect traits.
var DefaultPersonas = []string{
	"Sceptique mais poli : tu doutes de l'intérêt de l'offre sans être désagréable.",
	"Pressé : tu as peu de temps et tu cherches une raison de raccrocher.",
	"Curieux : tu poses des questions précises sur le fonctionnement.",
	"Comparateur : tu compares sans cesse avec ton fournisseur actuel.",
	"Focalisé sur le prix : tu ramènes tout au coût et aux conditions.",
}

// PromptConfig controls instruction composition.
type PromptConfig struct {
	Personas []string
	// Objections are injected for turns in [FirstObjectionTurn, LastObjectionTurn].
	FirstObjectionTurn int
	LastObjectionTurn  int
}

// DefaultPromptConfig returns the default rotation and objection window.
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{Personas: DefaultPersonas, FirstObjectionTurn: 2, LastObjectionTurn: 4}
}

// PersonaIndex is the rotation position for a turn count.
func PersonaIndex(turn, n int) int {
	if n <= 0 {
		return -1
	}
	i := turn % n
	if i < 0 {
		i += n
	}
	return i
}

// PersonaFor returns the persona trait for a turn count.
func PersonaFor(turn int, personas []string) string {
	i := PersonaIndex(turn, len(personas))
	if i < 0 {
		return ""
	}
	return personas[i]
}

// ObjectionsActive reports whether the turn falls in the objection window.
func (p PromptConfig) ObjectionsActive(turn int) bool {
	return turn >= p.FirstObjectionTurn && turn <= p.LastObjectionTurn
}

// BuildInstruction composes the generation instruction for the given turn.
func BuildInstruction(sc Scenario, turn int, p PromptConfig) string {
	var b strings.Builder
	b.WriteString("Tu joues un prospect au téléphone dans une simulation de vente. ")
	b.WriteString("Le commercial est l'utilisateur. Réponds comme une vraie personne, en une ou deux phrases courtes, sans jamais sortir du rôle.\n\n")

	fmt.Fprintf(&b, "CONTEXTE PRODUIT : %s\n", orNone(sc.Context))
	if p.ObjectionsActive(turn) && len(sc.Objections) > 0 {
		fmt.Fprintf(&b, "OBJECTIONS À SOULEVER : %s\n", strings.Join(sc.Objections, ", "))
	} else {
		b.WriteString("OBJECTIONS À SOULEVER : aucune pour l'instant\n")
	}
	if persona := PersonaFor(turn, p.Personas); persona != "" {
		fmt.Fprintf(&b, "PERSONNALITÉ : %s\n", persona)
	}
	resistance := sc.Resistance
	if resistance == "" {
		resistance = ResistanceMedium
	}
	fmt.Fprintf(&b, "NIVEAU DE RÉSISTANCE : %s\n", resistance)
	fmt.Fprintf(&b, "TOUR : %d\n\n", turn)

	b.WriteString("Si la conversation ne t'intéresse plus ou si le commercial est impoli, tu peux raccrocher.\n")
	b.WriteString(`Réponds UNIQUEMENT avec un objet JSON : {"text": "ta réponse", "hangUp": false}`)
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "non précisé"
	}
	return s
}
