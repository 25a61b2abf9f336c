package clinicalcase

// Persona describes how the simulated patient should present.
type Persona struct {
	Age            int      `json:"age,omitempty"`
	Sex            string   `json:"sex,omitempty"`
	Occupation     string   `json:"occupation,omitempty"`
	Temperament    string   `json:"temperament,omitempty"`
	ChiefComplaint string   `json:"chiefComplaint,omitempty"`
	History        string   `json:"history,omitempty"` // 仅模型可见，学员需要通过问诊获取
	Medications    []string `json:"medications,omitempty"`
	Allergies      []string `json:"allergies,omitempty"`
	HiddenFindings []string `json:"hiddenFindings,omitempty"`
}

// Case is a static clinical scenario a session is based on.
type Case struct {
	ID             string   `json:"id"`
	Code           string   `json:"code"`
	Title          string   `json:"title"`
	Specialty      string   `json:"specialty,omitempty"`
	Difficulty     string   `json:"difficulty,omitempty"`
	PatientName    string   `json:"patientName"`
	OpeningLine    string   `json:"openingLine,omitempty"`
	Persona        Persona  `json:"persona"`
	Rubric         string   `json:"rubric,omitempty"`
	TriggerPhrases []string `json:"triggerPhrases,omitempty"`
}

// Summary is the catalog view exposed to clients; it hides persona and rubric.
type Summary struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Specialty   string `json:"specialty,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
	PatientName string `json:"patientName"`
}

// Summarize strips the fields learners must not see before the encounter.
func (c Case) Summarize() Summary {
	return Summary{
		ID:          c.ID,
		Code:        c.Code,
		Title:       c.Title,
		Specialty:   c.Specialty,
		Difficulty:  c.Difficulty,
		PatientName: c.PatientName,
	}
}

// Seed provides the built-in cases used when no case file is configured.
func Seed() []Case {
	return []Case{
		{
			ID:          "7b0c2d4e-1f0a-4b8e-9c61-3f1d2a9e0001",
			Code:        "CASE-001",
			Title:       "Acute chest pain",
			Specialty:   "Cardiology",
			Difficulty:  "intermediate",
			PatientName: "Mr. James Carter",
			OpeningLine: "I have chest pain",
			Persona: Persona{
				Age:            58,
				Sex:            "male",
				Occupation:     "truck driver",
				Temperament:    "anxious, answers briefly, downplays symptoms",
				ChiefComplaint: "crushing central chest pain for 40 minutes",
				History:        "Pain radiates to the left arm and jaw, started while loading the truck. Sweating and nauseated. Smokes 20 a day for 30 years. Hypertension, stopped taking amlodipine 3 months ago. Father died of a heart attack at 60.",
				Medications:    []string{"amlodipine 5mg (not taking)"},
				Allergies:      []string{"none known"},
				HiddenFindings: []string{"ST elevation in II, III, aVF", "troponin elevated"},
			},
			Rubric: "History: onset, character, radiation, associated symptoms, risk factors (smoking, hypertension, family history). " +
				"Examination and tests: vitals, ECG within 10 minutes, troponin. " +
				"Diagnosis: inferior STEMI. " +
				"Management: aspirin, activate cath lab, analgesia, oxygen only if hypoxic. " +
				"Communication: explains urgency in plain language, checks understanding.",
			TriggerPhrases: []string{"cath lab", "pci"},
		},
		{
			ID:          "7b0c2d4e-1f0a-4b8e-9c61-3f1d2a9e0002",
			Code:        "CASE-002",
			Title:       "Fever and cough",
			Specialty:   "Internal Medicine",
			Difficulty:  "beginner",
			PatientName: "Ms. Aisha Rahman",
			OpeningLine: "I've had a cough and a fever for four days and I feel awful.",
			Persona: Persona{
				Age:            34,
				Sex:            "female",
				Occupation:     "primary school teacher",
				Temperament:    "talkative, worried about missing work",
				ChiefComplaint: "productive cough and fever",
				History:        "Green sputum, right-sided pleuritic chest pain, temperature 39.1 at home. No travel. Non-smoker. Two children with colds recently.",
				Allergies:      []string{"penicillin (rash)"},
				HiddenFindings: []string{"crackles right lower zone", "SpO2 95% on air", "CRP 120"},
			},
			Rubric: "History: duration, sputum, pleuritic pain, red flags, allergies. " +
				"Assessment: CURB-65 score. Diagnosis: community acquired pneumonia. " +
				"Management: antibiotic choice respecting penicillin allergy, safety-netting, follow up.",
		},
		{
			ID:          "7b0c2d4e-1f0a-4b8e-9c61-3f1d2a9e0003",
			Code:        "CASE-003",
			Title:       "Sudden weakness",
			Specialty:   "Neurology",
			Difficulty:  "advanced",
			PatientName: "Mrs. Helen Brooks",
			Persona: Persona{
				Age:            72,
				Sex:            "female",
				Temperament:    "speech slightly slurred, frightened, daughter present",
				ChiefComplaint: "right arm weakness and difficulty speaking",
				History:        "Symptoms started 50 minutes ago at breakfast. Atrial fibrillation, on no anticoagulant. Type 2 diabetes.",
				HiddenFindings: []string{"right facial droop", "NIHSS 8", "glucose 7.4"},
			},
			Rubric: "Recognise stroke, establish time last known well, check glucose, urgent CT, thrombolysis eligibility, stroke team activation.",
			TriggerPhrases: []string{"thrombolysis", "stroke team"},
		},
	}
}
